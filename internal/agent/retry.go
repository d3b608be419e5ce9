package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// retry executes fn up to attempts times, waiting interval between tries.
func retry(ctx context.Context, attempts int, interval time.Duration, fn func() error) error {
	if attempts <= 1 {
		return fn()
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// checkInstance performs one readiness request against url.
func checkInstance(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instance %s answered %s", url, resp.Status)
	}
	return nil
}
