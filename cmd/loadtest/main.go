package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of one HTTP request.
type Result struct {
	Status int
	Body   string
	Err    error
}

type variant struct {
	product, size, color uint64
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.Uint64("product", 1, "product id")
	sizeID := flag.Uint64("size", 1, "size id")
	colorID := flag.Uint64("color", 1, "color id")
	setStock := flag.Int64("set-stock", -1, "overwrite the variant quantity before the run (-1 keeps it)")
	preload := flag.Bool("preload", true, "warm the stock cache before the run")
	adminToken := flag.String("admin-token", "dev-admin-token", "token for the admin endpoints")

	// oversell run: many buyers race for the same variant
	nUsers := flag.Int("users", 200, "distinct buyers")
	concurrency := flag.Int("c", 50, "max in-flight requests")
	qty := flag.Int64("qty", 1, "quantity per order")
	burst := flag.Int("burst", 50, "requests of the same buyer in the rate limit run (0 skips it)")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}
	v := variant{*productID, *sizeID, *colorID}
	admin := map[string]string{"X-Admin-Token": *adminToken}

	if *setStock >= 0 {
		body := map[string]any{"product_id": v.product, "size_id": v.size, "color_id": v.color, "quantity": *setStock}
		if err := do(client, http.MethodPut, *baseURL+"/api/stocks", body, admin); err != nil {
			panic(fmt.Sprintf("set stock failed: %v", err))
		}
		fmt.Println("stock set to", *setStock)
	}
	if *preload {
		if err := do(client, http.MethodPost, *baseURL+"/api/stocks/preload", nil, admin); err != nil {
			panic(fmt.Sprintf("preload failed: %v", err))
		}
		fmt.Println("preload ok")
	}

	before, err := getStock(client, *baseURL, v)
	if err != nil {
		fmt.Println("stock check err:", err)
	}

	fmt.Printf("start oversell run: variant=%d-%d-%d users=%d concurrency=%d qty=%d\n",
		v.product, v.size, v.color, *nUsers, *concurrency, *qty)
	start := time.Now()
	results := run(*nUsers, *concurrency, func(i int) Result {
		return placeOrder(client, *baseURL, uint64(i+1), v, *qty)
	})
	printSummary("oversell", results, time.Since(start))

	after, err := getStock(client, *baseURL, v)
	if err != nil {
		fmt.Println("stock check err:", err)
	} else {
		sold := count(results, http.StatusOK) * int(*qty)
		fmt.Printf("stock before=%d after=%d sold=%d\n", before, after, sold)
		if before-int64(sold) != after {
			fmt.Println("WARNING: stock does not add up; pending (202) checkouts may still settle")
		}
	}

	if *burst > 0 {
		// needs BUY_RATE_LIMIT below the burst size to see 429s
		fmt.Printf("\nstart rate limit run: same buyer, %d requests\n", *burst)
		start = time.Now()
		results = run(*burst, *burst, func(int) Result {
			return placeOrder(client, *baseURL, 10001, v, *qty)
		})
		printSummary("rate_limit", results, time.Since(start))
	}
}

// run calls fn n times with at most concurrency calls in flight.
func run(n, concurrency int, fn func(i int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func placeOrder(client *http.Client, baseURL string, userID uint64, v variant, qty int64) Result {
	body := map[string]any{
		"carrier_id":     1,
		"shipping_fee":   "0",
		"original_price": "10.00",
		"final_price":    "10.00",
		"name":           "Load Test",
		"email":          fmt.Sprintf("user%d@example.com", userID),
		"phone":          "0900000000",
		"items": []map[string]any{{
			"product_id": v.product, "size_id": v.size, "color_id": v.color,
			"quantity": qty, "price": "10.00",
		}},
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/orders", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", strconv.FormatUint(userID, 10))
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	rb, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(rb)}
}

func count(results []Result, status int) int {
	n := 0
	for _, r := range results {
		if r.Err == nil && r.Status == status {
			n++
		}
	}
	return n
}

// printSummary prints the status code distribution of a run.
func printSummary(name string, results []Result, took time.Duration) {
	byCode := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		byCode[r.Status]++
	}
	codes := make([]int, 0, len(byCode))
	for c := range byCode {
		codes = append(codes, c)
	}
	sort.Ints(codes)

	fmt.Printf("[%s] %d requests in %s\n", name, len(results), took.Round(time.Millisecond))
	for _, c := range codes {
		fmt.Printf("  %d -> %d\n", c, byCode[c])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func do(client *http.Client, method, url string, body any, headers map[string]string) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// getStock reads the cached available quantity of v.
func getStock(client *http.Client, baseURL string, v variant) (int64, error) {
	url := fmt.Sprintf("%s/api/stocks/%d/%d/%d", baseURL, v.product, v.size, v.color)
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Data struct {
			Available int64 `json:"available"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	return out.Data.Available, nil
}
