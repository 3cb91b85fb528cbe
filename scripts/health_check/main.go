// Command health_check probes a local tradeguard deployment: configuration,
// database, venue connectivity and the running API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
	exspot "tradeguard/pkg/exchanges/binance/spot"
)

const (
	statusHealthy   = "HEALTHY"
	statusDegraded  = "DEGRADED"
	statusUnhealthy = "UNHEALTHY"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: statusHealthy}

	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)
	if cfg != nil {
		report.Services = append(report.Services,
			checkDatabase(ctx, cfg),
			checkVenue(ctx, cfg),
			checkAPIServer(ctx, cfg),
		)
	}

	for _, svc := range report.Services {
		if svc.Status == statusUnhealthy {
			report.Overall = statusUnhealthy
			break
		}
		if svc.Status == statusDegraded {
			report.Overall = statusDegraded
		}
	}

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else {
		for _, svc := range report.Services {
			fmt.Printf("%-10s %-14s %s\n", svc.Status, svc.Service, svc.Message)
		}
		fmt.Printf("overall: %s\n", report.Overall)
	}

	if report.Overall == statusUnhealthy {
		os.Exit(1)
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: statusHealthy, Timestamp: time.Now()}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := newStatus("configuration")
	cfg, err := config.Load()
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = err.Error()
		return nil, status
	}
	status.Message = fmt.Sprintf("venue=%s symbols=%v", cfg.Venue, cfg.Symbols)
	return cfg, status
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("database")
	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = err.Error()
		return status
	}
	defer database.Close()

	if err := database.DB.PingContext(ctx); err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("ping failed: %v", err)
		return status
	}
	status.Message = cfg.DBPath
	return status
}

func checkVenue(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("venue")
	if cfg.Venue == config.VenuePaper && cfg.PaperPriceSource == config.PriceSourceMock {
		status.Message = "paper venue on simulated prices"
		return status
	}

	client := exspot.New(exspot.Config{Testnet: cfg.BinanceTestnet})
	serverTime, err := client.GetServerTime(ctx)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("binance unreachable: %v", err)
		return status
	}
	skew := time.Since(time.UnixMilli(serverTime))
	status.Message = fmt.Sprintf("binance reachable (testnet=%t, skew=%s)", cfg.BinanceTestnet, skew.Round(time.Millisecond))
	if skew > time.Second || skew < -time.Second {
		status.Status = statusDegraded
	}
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("api")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", cfg.Port), nil)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = err.Error()
		return status
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	var body struct {
		Status       string   `json:"status"`
		OpenBreakers []string `json:"open_breakers"`
		OverlayMode  string   `json:"overlay_mode"`
	}
	if resp.StatusCode != http.StatusOK {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		status.Status = statusDegraded
		status.Message = fmt.Sprintf("unreadable health body: %v", err)
		return status
	}
	status.Message = fmt.Sprintf("overlay=%s open_breakers=%v", body.OverlayMode, body.OpenBreakers)
	if body.Status != "ok" {
		status.Status = statusDegraded
	}
	return status
}
