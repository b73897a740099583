package config

import (
	"encoding/json"
	"os"
)

// Config holds the app's configuration
type Config struct {
	Store struct {
		// Backend selects the durable state store: "file" (default) or
		// "redis".
		Backend string `json:"backend"`

		// DataDir is the private data directory holding states/, jobs/
		// and locks/ for the file backend, plus the bulk import file.
		DataDir string `json:"data_dir"`

		Redis struct {
			Addr string `json:"addr"`
		} `json:"redis"`
	} `json:"store"`

	API struct {
		Host          string `json:"host"`
		Port          int    `json:"port"`
		HeartbeatPath string `json:"heartbeat_path"`
	} `json:"api"`

	Vendor struct {
		BaseURL string `json:"base_url"`
		Token   string `json:"token"`
	} `json:"vendor"`

	Processor struct {
		// BaseDir is the library root the job folders are written under.
		BaseDir string `json:"base_dir"`

		MaxHeavy int `json:"max_heavy"`
		MaxLight int `json:"max_light"`

		FetchWorkers      int   `json:"fetch_workers"`
		MaxFetchSize      int64 `json:"max_fetch_size"`
		ValidationWorkers int   `json:"validation_workers"`

		// Intervals in seconds.
		ScanInterval  int `json:"scan_interval"`
		StatsInterval int `json:"stats_interval"`
	} `json:"processor"`

	Mirror struct {
		// Backend selects the completed-folder mirror: "" (disabled),
		// "filesystem" or "s3".
		Backend string `json:"backend"`
		RootDir string `json:"root_dir"`
		Region  string `json:"region"`
		Bucket  string `json:"bucket"`
	} `json:"mirror"`

	Notifier struct {
		// Backend selects the event delivery channel: "" (disabled),
		// "http" or "kafka".
		Backend string `json:"backend"`

		// Destination is backend-specific: a webhook URL for http, a
		// topic name for kafka.
		Destination string `json:"destination"`
	} `json:"notifier"`

	// Backends holds per-backend options, keyed by backend id.
	Backends map[string]map[string]interface{} `json:"backends"`
}

// Parse loads a given file name and creates a Configuration
func Parse(filename string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	return cfg, dec.Decode(&cfg)
}
