package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"od-database/common"
	"od-database/internal/intake"
	"od-database/internal/logger"
)

// Config holds the seeds to submit to the API.
type Config struct {
	Seeds []string `json:"seeds"`
}

var errNoSeeds = errors.New("config has no seeds")

// summary counts per-URL outcome codes across all chunks.
type summary struct {
	mu     sync.Mutex
	codes  map[string]int
	failed int
}

func (s *summary) add(outcomes []intake.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range outcomes {
		s.codes[o.Code]++
	}
}

func (s *summary) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

func main() {
	if err := common.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	configPath := flag.String("config", "seeds.json", "Path to JSON config file with seeds")
	apiBase := flag.String("api", common.GetEnv("LOADGEN_API", "http://localhost:8080"), "API base URL")
	token := flag.String("captcha", common.GetEnv("LOADGEN_CAPTCHA", ""), "Captcha response sent with every chunk")
	parallel := flag.Int("parallel", 4, "Chunks submitted concurrently")
	flag.Parse()

	log := logger.Must(logger.Config{Level: common.GetEnv("LOG_LEVEL", "info"), Service: "loadgen"})
	defer func() { _ = log.Sync() }()

	if _, err := run(context.Background(), *configPath, *apiBase, *token, *parallel, nil, log); err != nil {
		log.Fatal("loadgen failed", logger.Error(err))
	}
}

// run loads seeds from configPath and posts them to apiBase/enqueue_bulk in
// chunks of intake.MaxBulkURLs. A nil client gets a 30s timeout default.
func run(ctx context.Context, configPath, apiBase, token string, parallel int, client *http.Client, log logger.Logger) (map[string]int, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	endpoint, err := bulkEndpoint(apiBase)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if parallel <= 0 {
		parallel = 1
	}

	sum := &summary{codes: map[string]int{}}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for idx, batch := range chunk(cfg.Seeds, intake.MaxBulkURLs) {
		g.Go(func() error {
			outcomes, err := submitChunk(gctx, client, endpoint, token, batch)
			if err != nil {
				sum.fail()
				log.Warn("chunk rejected", logger.Int("chunk", idx), logger.Int("urls", len(batch)), logger.Error(err))
				return nil
			}
			sum.add(outcomes)
			for _, o := range outcomes {
				log.Debug("seed submitted", logger.String("url", o.URL), logger.String("code", o.Code))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("submitted seeds",
		logger.Int("seeds", len(cfg.Seeds)),
		logger.Int("failed_chunks", sum.failed),
		logger.Any("outcomes", sum.codes))
	return sum.codes, nil
}

// loadConfig reads and parses the JSON config file.
func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Seeds) == 0 {
		return cfg, errNoSeeds
	}
	return cfg, nil
}

func bulkEndpoint(apiBase string) (string, error) {
	base, err := url.Parse(apiBase)
	if err != nil {
		return "", err
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("api base %q must be an absolute url", apiBase)
	}
	return base.JoinPath("enqueue_bulk").String(), nil
}

func chunk(seeds []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(seeds); start += size {
		out = append(out, seeds[start:min(start+size, len(seeds))])
	}
	return out
}

func submitChunk(ctx context.Context, client *http.Client, endpoint, token string, seeds []string) ([]intake.Outcome, error) {
	form := url.Values{"urls": {strings.Join(seeds, "\n")}}
	if token != "" {
		form.Set("captcha", token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Outcomes []intake.Outcome `json:"outcomes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	return body.Outcomes, nil
}
