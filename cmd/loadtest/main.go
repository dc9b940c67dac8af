package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   []byte
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.Uint("product", 0, "existing product id; 0 creates a fresh product")
	codes := flag.Int("codes", 20, "number of codes to seed when creating a product")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for product creation")

	// 重复发放测试：200 个客户并发抢 20 个兑换码
	nCustomers := flag.Int("customers", 200, "distinct customers")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	id := *productID
	if id == 0 {
		var err error
		id, err = createProduct(client, *baseURL, *adminToken, *codes)
		if err != nil {
			fmt.Println("create product failed:", err)
			os.Exit(1)
		}
		fmt.Printf("created product=%d with %d codes\n", id, *codes)
	}

	fmt.Printf("start double-issue test: product=%d customers=%d concurrency=%d\n", id, *nCustomers, *concurrency)
	results := runCheckout(client, *baseURL, id, *nCustomers, *concurrency)
	printSummary("checkout", results)

	issued, dup := collectCodes(results)
	fmt.Printf("issued=%d duplicated=%d\n", issued, dup)

	stock, err := getStock(client, *baseURL, id)
	if err != nil {
		fmt.Println("stock check err:", err)
	} else {
		fmt.Println("final stock:", stock)
	}
	if dup > 0 || (err == nil && stock < 0) {
		os.Exit(1)
	}
}

func createProduct(client *http.Client, baseURL, adminToken string, codes int) (uint, error) {
	assets := make([]map[string]string, 0, codes)
	for i := 0; i < codes; i++ {
		assets = append(assets, map[string]string{"code": fmt.Sprintf("LT-%d-%04d", time.Now().Unix(), i)})
	}
	body := map[string]any{"name": "loadtest codes", "price": "1.00", "cost": "0.10", "assets": assets}
	b, err := doPOST(client, baseURL+"/api/products", body, map[string]string{"X-Admin-Token": adminToken})
	if err != nil {
		return 0, err
	}
	var out struct {
		Data struct {
			ID uint `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	return out.Data.ID, nil
}

func runCheckout(client *http.Client, baseURL string, productID uint, nCustomers int, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, nCustomers)

	for i := 0; i < nCustomers; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := map[string]any{
				"customer": map[string]string{"email": fmt.Sprintf("lt-%d@loadtest.local", idx), "name": "loadtest"},
				"items":    []map[string]any{{"product_id": productID, "quantity": 1, "unit_price": "1.00"}},
			}
			b, err := doPOST(client, baseURL+"/api/orders", req, nil)
			results[idx] = Result{Body: b, Err: err}
			if err == nil {
				results[idx].Status = http.StatusOK
			} else if se, ok := err.(statusError); ok {
				results[idx] = Result{Status: se.status, Body: se.body}
			}
		}(i)
	}

	wg.Wait()
	return results
}

// collectCodes 统计成功订单中发出的兑换码，同一码出现两次即为重复发放。
func collectCodes(results []Result) (issued, dup int) {
	seen := map[string]bool{}
	for _, r := range results {
		if r.Status != http.StatusOK {
			continue
		}
		var out struct {
			Data struct {
				Lines []struct {
					Asset *struct {
						Code string `json:"code"`
					} `json:"asset"`
				} `json:"lines"`
			} `json:"data"`
		}
		if json.Unmarshal(r.Body, &out) != nil {
			continue
		}
		for _, l := range out.Data.Lines {
			if l.Asset == nil || l.Asset.Code == "" {
				continue
			}
			issued++
			if seen[l.Asset.Code] {
				dup++
			}
			seen[l.Asset.Code] = true
		}
	}
	return issued, dup
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Status == 0 {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 409, 429, 500, 503} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

type statusError struct {
	status int
	body   []byte
}

func (e statusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.status, string(e.body))
}

// doPOST 发送 POST 请求（支持附加请求头），非 2xx 返回 statusError。
func doPOST(client *http.Client, url string, body any, headers map[string]string) ([]byte, error) {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return b, statusError{status: resp.StatusCode, body: b}
	}
	return b, nil
}

// getStock 查询展示库存，用于压测后校验是否出现负库存。
func getStock(client *http.Client, baseURL string, productID uint) (int, error) {
	url := fmt.Sprintf("%s/api/products/%d/stock", baseURL, productID)
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
		Code int `json:"code"`
		Data struct {
			Stock int `json:"stock"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	return out.Data.Stock, nil
}
