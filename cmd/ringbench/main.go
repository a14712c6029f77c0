// Benchmark tool for testing Arachne against labeled fraud-ring data.
//
// Usage:
//
//	go run cmd/ringbench/main.go -csv /path/to/rings.csv -url http://localhost:8080
//
// This tool:
//  1. Reads labeled transaction data (person, artifacts, fraud flag, ring id)
//  2. Ingests every transaction into Arachne
//  3. Triggers a refresh and fetches the top-ranked communities
//  4. Scores the detection at person level: a person is "predicted ringed"
//     if they landed in a ranked community, "actually ringed" if the
//     dataset assigns them a ring id
//
// Expected CSV columns (header required, order free):
//
//	tx_id, person_id, device_id, ip, card_hash, address_hash, amount, is_fraud, ring_id
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledTransaction is a row from the benchmark dataset.
type LabeledTransaction struct {
	TxID        string
	PersonID    string
	DeviceID    string
	IP          string
	CardHash    string
	AddressHash string
	Amount      float64
	IsFraud     bool
	RingID      string // empty for persons outside any labeled ring
}

// IngestRequest matches Arachne's POST /transactions body.
type IngestRequest struct {
	ID          string  `json:"id"`
	PersonID    string  `json:"personId"`
	DeviceID    string  `json:"deviceId,omitempty"`
	IP          string  `json:"ip,omitempty"`
	CardHash    string  `json:"cardHash,omitempty"`
	AddressHash string  `json:"addressHash,omitempty"`
	Amount      float64 `json:"amount"`
	IsFraud     bool    `json:"isFraud"`
}

// CommunitySummary is the subset of GET /communities/{id} the tool needs.
type CommunitySummary struct {
	CommunityID int     `json:"communityId"`
	PersonCount int     `json:"personCount"`
	TxFraud     int     `json:"txFraud"`
	FraudRate   float64 `json:"fraudRate"`
	TopMembers  []struct {
		PersonID string `json:"personId"`
	} `json:"topMembers"`
}

// Metrics tracks person-level detection results.
type Metrics struct {
	TruePositives  int64 // ringed person placed in a community
	FalsePositives int64 // clean person placed in a community
	TrueNegatives  int64 // clean person left out
	FalseNegatives int64 // ringed person missed

	IngestErrors int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled ring CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Arachne base URL")
	tenantID := flag.String("tenant", "ringbench", "Tenant ID for requests")
	limit := flag.Int("limit", 0, "Maximum transactions to ingest (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent ingest workers")
	verbose := flag.Bool("verbose", false, "Print each detected community")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: ringbench -csv /path/to/rings.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         ARACHNE BENCHMARK - Fraud Ring Detection              ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Arachne URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Arachne not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Arachne is running:")
		fmt.Println("  cd arachne && go run cmd/arachne/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Arachne is healthy")

	fmt.Printf("\nReading labeled data from %s...\n", *csvPath)
	transactions, err := readLabeledCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	// Ground truth: which persons belong to a labeled ring.
	ringed := make(map[string]string)
	persons := make(map[string]struct{})
	for _, tx := range transactions {
		persons[tx.PersonID] = struct{}{}
		if tx.RingID != "" {
			ringed[tx.PersonID] = tx.RingID
		}
	}
	fmt.Printf("  - Persons:        %d\n", len(persons))
	fmt.Printf("  - In rings:       %d\n", len(ringed))
	fmt.Printf("  - Outside rings:  %d\n", len(persons)-len(ringed))

	client := &http.Client{Timeout: 30 * time.Second}
	metrics := &Metrics{}

	fmt.Printf("\nIngesting with %d workers...\n", *workers)
	ingestStart := time.Now()
	ingestAll(client, *baseURL, *tenantID, transactions, *workers, metrics)
	fmt.Printf("✓ Ingested in %v (%d errors)\n", time.Since(ingestStart).Round(time.Millisecond), metrics.IngestErrors)

	fmt.Println("\nTriggering refresh...")
	refreshStart := time.Now()
	if err := triggerRefresh(client, *baseURL, *tenantID); err != nil {
		fmt.Printf("ERROR: refresh failed: %v\n", err)
		os.Exit(1)
	}
	refreshDuration := time.Since(refreshStart)
	fmt.Printf("✓ Refresh completed in %v\n", refreshDuration.Round(time.Millisecond))

	detected, err := fetchDetectedPersons(client, *baseURL, *tenantID, *verbose)
	if err != nil {
		fmt.Printf("ERROR: fetching communities failed: %v\n", err)
		os.Exit(1)
	}

	// Person-level confusion matrix.
	for person := range persons {
		_, predicted := detected[person]
		_, actual := ringed[person]
		switch {
		case predicted && actual:
			metrics.TruePositives++
		case predicted && !actual:
			metrics.FalsePositives++
		case !predicted && !actual:
			metrics.TrueNegatives++
		default:
			metrics.FalseNegatives++
		}
	}

	printResults(metrics, len(detected), refreshDuration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readLabeledCSV(path string, limit int) ([]LabeledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	col := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var transactions []LabeledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, _ := strconv.ParseFloat(col(record, "amount"), 64)
		tx := LabeledTransaction{
			TxID:        col(record, "tx_id"),
			PersonID:    col(record, "person_id"),
			DeviceID:    col(record, "device_id"),
			IP:          col(record, "ip"),
			CardHash:    col(record, "card_hash"),
			AddressHash: col(record, "address_hash"),
			Amount:      amount,
			IsFraud:     col(record, "is_fraud") == "1",
			RingID:      col(record, "ring_id"),
		}
		if tx.PersonID == "" {
			continue
		}

		transactions = append(transactions, tx)
		if limit > 0 && len(transactions) >= limit {
			break
		}
	}
	return transactions, nil
}

func ingestAll(client *http.Client, baseURL, tenantID string, transactions []LabeledTransaction, numWorkers int, metrics *Metrics) {
	work := make(chan LabeledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tx := range work {
				if err := ingestOne(client, baseURL, tenantID, tx); err != nil {
					atomic.AddInt64(&metrics.IngestErrors, 1)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)
	wg.Wait()
}

func ingestOne(client *http.Client, baseURL, tenantID string, tx LabeledTransaction) error {
	req := IngestRequest{
		ID:          tx.TxID,
		PersonID:    tx.PersonID,
		DeviceID:    tx.DeviceID,
		IP:          tx.IP,
		CardHash:    tx.CardHash,
		AddressHash: tx.AddressHash,
		Amount:      tx.Amount,
		IsFraud:     tx.IsFraud,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func triggerRefresh(client *http.Client, baseURL, tenantID string) error {
	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/refresh", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// fetchDetectedPersons walks the ranked communities and collects every
// member surfaced by the community summaries.
func fetchDetectedPersons(client *http.Client, baseURL, tenantID string, verbose bool) (map[string]int, error) {
	httpReq, err := http.NewRequest(http.MethodGet, baseURL+"/communities/top", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var top struct {
		Communities []struct {
			CommunityID int `json:"communityId"`
		} `json:"communities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&top); err != nil {
		return nil, err
	}

	detected := make(map[string]int)
	for _, c := range top.Communities {
		summaryReq, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/communities/%d", baseURL, c.CommunityID), nil)
		if err != nil {
			return nil, err
		}
		summaryReq.Header.Set("X-Tenant-ID", tenantID)

		summaryResp, err := client.Do(summaryReq)
		if err != nil {
			return nil, err
		}
		var summary CommunitySummary
		err = json.NewDecoder(summaryResp.Body).Decode(&summary)
		summaryResp.Body.Close()
		if err != nil {
			return nil, err
		}

		if verbose {
			fmt.Printf("  community %d: %d persons, fraud rate %.2f\n",
				summary.CommunityID, summary.PersonCount, summary.FraudRate)
		}
		for _, m := range summary.TopMembers {
			detected[m.PersonID] = summary.CommunityID
		}
	}
	return detected, nil
}

func printResults(m *Metrics, detectedPersons int, refreshDuration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📈 PERSON-LEVEL CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   Ringed      Clean")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  R  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged persons, how many were in rings)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of ring members, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Refresh Duration:  %v\n", refreshDuration.Round(time.Millisecond))
	fmt.Printf("   Flagged Persons:   %d\n", detectedPersons)

	fmt.Printf("\n💡 INTERPRETATION\n")
	switch {
	case recall >= 0.9:
		fmt.Println("   ✅ Excellent recall - catching most ring members")
	case recall >= 0.7:
		fmt.Println("   ⚠️  Good recall - but missing some ring members")
	default:
		fmt.Println("   ❌ Poor recall - most ring members are being missed")
	}
	if precision >= 0.8 {
		fmt.Println("   ✅ High precision - flagged persons are worth investigating")
	} else if precision >= 0.5 {
		fmt.Println("   ⚠️  Moderate precision - expect some clean persons in results")
	} else {
		fmt.Println("   ❌ Low precision - mostly false alarms")
	}

	fmt.Println()
}
