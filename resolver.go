package eolstation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.viam.com/rdk/logging"
)

const (
	skuConfigRef  = "VCU_SKU_WRITE"
	skuMessageRef = "SKU_WRITE"
)

// resolver asks the vehicle API which SKU an identifier was built as and maps
// it to a step list of the active family.
type resolver struct {
	client     *http.Client
	attempts   int
	delay      time.Duration
	defaultSKU string
	fallback   bool
	logger     logging.Logger
	metrics    *stationMetrics
	instruct   func(string)
}

func newResolver(timeout, delay time.Duration, attempts int, defaultSKU string, fallback bool, logger logging.Logger, m *stationMetrics, instruct func(string)) *resolver {
	return &resolver{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		attempts:   attempts,
		delay:      delay,
		defaultSKU: defaultSKU,
		fallback:   fallback,
		logger:     logger,
		metrics:    m,
		instruct:   instruct,
	}
}

type vehicleResponse struct {
	Data struct {
		Modules []struct {
			Configs []struct {
				Refname  string `json:"refname"`
				Messages []struct {
					Refname string `json:"refname"`
					TxBytes string `json:"txbytes"`
				} `json:"messages"`
			} `json:"configs"`
		} `json:"modules"`
	} `json:"data"`
}

func (v *vehicleResponse) sku() string {
	for _, m := range v.Data.Modules {
		for _, c := range m.Configs {
			if c.Refname != skuConfigRef {
				continue
			}
			for _, msg := range c.Messages {
				if msg.Refname == skuMessageRef && strings.TrimSpace(msg.TxBytes) != "" {
					return strings.TrimSpace(msg.TxBytes)
				}
			}
		}
	}
	return ""
}

// resolve returns the SKU and step-list file for identifier. A definitive "not
// in this mode" answer is never retried and never falls back.
func (r *resolver) resolve(ctx context.Context, identifier, baseURL string, rs *Ruleset, family string) (*Resolution, error) {
	res := &Resolution{
		Family:     family,
		RequestURL: strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(identifier),
	}

	attempt := 0
	op := func() error {
		attempt++
		sku, body, err := r.fetch(ctx, res.RequestURL)
		if len(body) > 0 && json.Valid(body) {
			res.Response = json.RawMessage(body)
		}
		if err != nil {
			return err
		}
		res.SKU = sku
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warnw("sku lookup failed", "identifier", identifier, "attempt", attempt, "retry_in", wait, "error", err)
		r.instruct(fmt.Sprintf("API attempt %d failed: %v", attempt, err))
	}

	attempts := r.attempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), uint64(attempts-1)), ctx)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		switch {
		case errors.Is(err, ErrSKUNotInMode):
			r.metrics.resolutionFailed("not_in_mode")
			return nil, &ResolutionError{Identifier: identifier, Err: err}
		case ctx.Err() != nil, !r.fallback:
			r.metrics.resolutionFailed("unreachable")
			return nil, &ResolutionError{Identifier: identifier, Err: fmt.Errorf("sku lookup failed after %d attempts: %w", attempt, err)}
		}
		r.logger.Warnf("sku lookup for %s failed after %d attempts, using default sku %s", identifier, attempt, r.defaultSKU)
		r.instruct(fmt.Sprintf("API call failed after %d attempts. Using default SKU: %s", attempt, r.defaultSKU))
		res.SKU = r.defaultSKU
		res.Response = nil
		res.FellBack = true
	}

	file, err := rs.lookupSKU(res.SKU, family)
	if err != nil {
		kind := "sku_unknown"
		if errors.Is(err, ErrSKUWrongFamily) {
			kind = "wrong_family"
		}
		r.metrics.resolutionFailed(kind)
		return nil, &ResolutionError{Identifier: identifier, Err: err}
	}
	res.StepFile = file
	return res, nil
}

func (r *resolver) fetch(ctx context.Context, u string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("get %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", body, backoff.Permanent(fmt.Errorf("%w: http 404", ErrSKUNotInMode))
	case resp.StatusCode != http.StatusOK:
		return "", body, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var v vehicleResponse
	if err := json.Unmarshal(body, &v); err != nil {
		return "", body, fmt.Errorf("parse response: %w", err)
	}
	sku := v.sku()
	if sku == "" {
		return "", body, backoff.Permanent(fmt.Errorf("%w: no %s in response", ErrSKUNotInMode, skuMessageRef))
	}
	return sku, body, nil
}
