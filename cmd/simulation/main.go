package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/landx-api/internal/config"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient drives the exchange API as every development participant
type simulationClient struct {
	baseURL string
	client  *http.Client
	tokens  map[string]string

	mu    sync.Mutex
	stats map[string]*routeStats
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newSimulationClient authenticates every development participant up front
func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		tokens:  make(map[string]string),
		stats:   make(map[string]*routeStats),
	}

	for _, p := range config.DevParticipants() {
		token, err := sc.authenticate(p)
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate %s: %w", p.ParticipantID, err)
		}
		sc.tokens[p.ParticipantID] = token
	}
	return sc, nil
}

func (sc *simulationClient) record(route string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs, ok := sc.stats[route]
	if !ok {
		rs = &routeStats{name: route}
		sc.stats[route] = rs
	}
	rs.addDuration(d, failed)
}

// authenticate exchanges API credentials for a JWT token
func (sc *simulationClient) authenticate(p config.Participant) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	credentials := map[string]string{
		"api_key":    p.APIKey,
		"api_secret": p.APISecret,
	}
	if err := sc.do("auth", "", http.MethodPost, "/api/v1/auth/token", credentials, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

// do sends one request as participant and decodes the response data into out
func (sc *simulationClient) do(route, participant, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		sc.record(route, time.Since(start), err != nil)
	}()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := sc.tokens[participant]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("Response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s failed with status %d: %s: %s", route, resp.StatusCode, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s failed with status %d", route, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// projectOutcome is what one simulated project produced
type projectOutcome struct {
	ProjectID     string
	Matched       bool
	Settled       bool
	SecondPrice   string
	Penalty       string
	Compensatory  string
	ContractID    string
	LedgerValid   bool
	LedgerEntries int
}

// runProject drives one saleable project through round, settlement and the default cascade
func (sc *simulationClient) runProject(projectID string) (*projectOutcome, error) {
	base := "/api/v1/w/saleable/p/" + projectID
	out := &projectOutcome{ProjectID: projectID}

	var rnd struct {
		T int `json:"t"`
	}
	if err := sc.do("rounds.open", "gov-1", http.MethodPost, base+"/rounds/open", nil, &rnd); err != nil {
		return nil, err
	}
	round := fmt.Sprintf("%s/rounds/%d", base, rnd.T)

	asks := []struct{ dev, units, price string }{
		{"dev-1", "100", "50000"},
		{"dev-2", "100", "52000"},
	}
	for _, a := range asks {
		payload := map[string]string{"dcu_units": a.units, "ask_price_per_unit_inr": a.price}
		if err := sc.do("bids.ask", a.dev, http.MethodPost, round+"/bids/ask", payload, nil); err != nil {
			return nil, err
		}
	}

	quotes := []struct{ buyer, qbundle string }{
		{"buyer-1", "6000000"},
		{"buyer-2", "5500000"},
		{"buyer-3", "5200000"},
	}
	for _, q := range quotes {
		if err := sc.do("bids.quote", q.buyer, http.MethodPost, round+"/bids/quote", map[string]string{"qbundle_inr": q.qbundle}, nil); err != nil {
			return nil, err
		}
	}

	for _, step := range []string{"close", "lock"} {
		if err := sc.do("rounds."+step, "gov-1", http.MethodPost, round+"/"+step, nil, nil); err != nil {
			return nil, err
		}
	}

	var match struct {
		Matched bool `json:"matched"`
	}
	if err := sc.do("matching", "gov-1", http.MethodPost, round+"/matching", nil, &match); err != nil {
		return nil, err
	}
	out.Matched = match.Matched

	var stl struct {
		Settled     bool    `json:"settled"`
		SecondPrice *string `json:"second_price_inr"`
	}
	if err := sc.do("settlement", "gov-1", http.MethodPost, round+"/settlement", nil, &stl); err != nil {
		return nil, err
	}
	out.Settled = stl.Settled
	if stl.SecondPrice != nil {
		out.SecondPrice = *stl.SecondPrice
	}
	if !out.Settled {
		return out, nil
	}

	for _, step := range []string{"default", "developer-default"} {
		if err := sc.do(step, "gov-1", http.MethodPost, round+"/"+step, map[string]string{"reason": "simulated"}, nil); err != nil {
			return nil, err
		}
	}

	var penalty struct {
		Penalty string `json:"penalty_inr"`
	}
	if err := sc.do("penalty", "gov-1", http.MethodPost, round+"/penalty", nil, &penalty); err != nil {
		return nil, err
	}
	out.Penalty = penalty.Penalty

	var comp struct {
		Status string `json:"status"`
	}
	if err := sc.do("compensatory", "gov-1", http.MethodPost, round+"/compensatory", nil, &comp); err != nil {
		return nil, err
	}
	out.Compensatory = comp.Status

	if err := sc.do("developer-compensatory", "gov-1", http.MethodPost, round+"/developer-compensatory", nil, nil); err != nil {
		return nil, err
	}

	var contract struct {
		ContractID string `json:"contract_id"`
	}
	if err := sc.do("contracts", "gov-1", http.MethodPost, base+"/contracts", nil, &contract); err != nil {
		return nil, err
	}
	out.ContractID = contract.ContractID

	var verify struct {
		Valid   bool `json:"valid"`
		Entries int  `json:"entries"`
	}
	if err := sc.do("ledger.verify", "audit-1", http.MethodGet, base+"/ledger/verify", nil, &verify); err != nil {
		return nil, err
	}
	out.LedgerValid = verify.Valid
	out.LedgerEntries = verify.Entries

	return out, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("%-24s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 110))

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-24s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 110))
}

func main() {
	var (
		addr     string
		projects int
		workers  int
	)

	cmd := &cobra.Command{
		Use:          "simulation",
		Short:        "Drive settlement rounds and default cascades against a running server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate(addr, projects, workers)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the API server")
	cmd.Flags().IntVar(&projects, "projects", 20, "number of projects to simulate")
	cmd.Flags().IntVar(&workers, "workers", 5, "concurrent project workers")

	if err := cmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Simulation failed")
	}
}

func simulate(addr string, projects, workers int) error {
	if projects <= 0 || workers <= 0 {
		return fmt.Errorf("projects and workers must be positive")
	}

	simClient, err := newSimulationClient(addr)
	if err != nil {
		return err
	}

	runID := uuid.New().String()[:8]
	log.Info().Int("projects", projects).Int("workers", workers).Str("run_id", runID).Msg("Starting simulation")
	start := time.Now()

	jobs := make(chan string)
	results := make(chan *projectOutcome, projects)
	var failed int
	var failedMu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for projectID := range jobs {
				outcome, err := simClient.runProject(projectID)
				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Str("project_id", projectID).Msg("Project failed")
					failedMu.Lock()
					failed++
					failedMu.Unlock()
					continue
				}
				log.Info().
					Int("worker_id", workerID).
					Str("project_id", projectID).
					Bool("settled", outcome.Settled).
					Str("second_price", outcome.SecondPrice).
					Str("penalty", outcome.Penalty).
					Str("compensatory", outcome.Compensatory).
					Bool("ledger_valid", outcome.LedgerValid).
					Msg("Project completed")
				results <- outcome
			}
		}(i)
	}

	for i := 0; i < projects; i++ {
		jobs <- fmt.Sprintf("sim-%s-%03d", runID, i)
	}
	close(jobs)
	wg.Wait()
	close(results)

	var settled, validLedgers, contracts int
	for r := range results {
		if r.Settled {
			settled++
		}
		if r.LedgerValid {
			validLedgers++
		}
		if r.ContractID != "" {
			contracts++
		}
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("LAND EXCHANGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Projects:         %d
Settled:          %d
Contracts:        %d
Valid ledgers:    %d
Failed projects:  %d
Duration:         %v
`, projects, settled, contracts, validLedgers, failed, duration.Round(time.Millisecond))

	simClient.printPerformanceStats()

	if failed > 0 || validLedgers != projects-failed {
		return fmt.Errorf("%d projects failed, %d ledgers invalid", failed, projects-failed-validLedgers)
	}
	return nil
}
