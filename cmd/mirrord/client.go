package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/wolfeidau/artifact-mirror/cache"
	"github.com/wolfeidau/artifact-mirror/job"
)

// adminClient talks to the /-/ admin API of a running server.
type adminClient struct {
	client *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

type jobRef struct {
	ID     uint64     `json:"id"`
	Status job.Status `json:"status"`
}

func newAdminClient(baseURL string) *adminClient {
	return &adminClient{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(30*time.Second).
			SetHeader("Accept", "application/json"),
	}
}

func (c *adminClient) check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status(), e.Error)
	}
	return fmt.Errorf("unexpected response: %s", resp.Status())
}

func (c *adminClient) Enqueue(ctx context.Context, mirrorType string, force bool) (uint64, error) {
	var ref jobRef
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"mirror_type": mirrorType, "force": force}).
		SetResult(&ref).
		SetError(&apiError{}).
		Post("/-/jobs")
	if err := c.check(resp, err); err != nil {
		return 0, fmt.Errorf("enqueuing sync: %w", err)
	}
	return ref.ID, nil
}

func (c *adminClient) Cancel(ctx context.Context, id uint64) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetError(&apiError{}).
		Post("/-/jobs/" + strconv.FormatUint(id, 10) + "/cancel")
	if err := c.check(resp, err); err != nil {
		return fmt.Errorf("cancelling job %d: %w", id, err)
	}
	return nil
}

func (c *adminClient) Get(ctx context.Context, id uint64) (*job.Job, error) {
	var j job.Job
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&j).
		SetError(&apiError{}).
		Get("/-/jobs/" + strconv.FormatUint(id, 10))
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("getting job %d: %w", id, err)
	}
	return &j, nil
}

func (c *adminClient) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	var out struct {
		Jobs []*job.Job `json:"jobs"`
	}
	req := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{})
	if f.MirrorType != "" {
		req.SetQueryParam("mirror", f.MirrorType)
	}
	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, s := range f.Status {
			statuses[i] = string(s)
		}
		req.SetQueryParam("status", strings.Join(statuses, ","))
	}
	if f.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(f.Limit))
	}
	resp, err := req.Get("/-/jobs")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return out.Jobs, nil
}

func (c *adminClient) CacheStats(ctx context.Context) (cache.Stats, error) {
	var stats cache.Stats
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&stats).
		SetError(&apiError{}).
		Get("/-/cache/stats")
	if err := c.check(resp, err); err != nil {
		return cache.Stats{}, fmt.Errorf("getting cache stats: %w", err)
	}
	return stats, nil
}

// wait polls until the job reaches a terminal status.
func (c *adminClient) wait(ctx context.Context, id uint64, every time.Duration) (*job.Job, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		j, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
