package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Fetch reads the report that Mount serves under baseURL. An unhealthy
// report is returned without error.
func Fetch(ctx context.Context, client *http.Client, baseURL string) (OverallHealth, error) {
	var report OverallHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/healthz", nil)
	if err != nil {
		return report, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return report, fmt.Errorf("failed to fetch health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return report, fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("failed to decode health: %w", err)
	}
	return report, nil
}
