// Package agentclient talks to the HTTP surface of an agent. Calls are retried a bounded number of
// times and an agent that keeps failing is reported as ErrAgentUnreachable. Submit is only retried
// while the agent could not be connected to.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/jobstats"
	"github.com/crankbench/crank/internal/common/util"
	"github.com/crankbench/crank/internal/controller/configuration"
)

const maxErrorBody = 4096

type Client struct {
	agentUrl string
	config   configuration.AgentClientConfiguration
	http     *http.Client
	logger   *log.Entry
}

func New(agentUrl string, config configuration.AgentClientConfiguration, logger *log.Entry) *Client {
	return &Client{
		agentUrl: strings.TrimRight(agentUrl, "/"),
		config:   config,
		http:     &http.Client{Timeout: config.RequestTimeout},
		logger:   logger.WithField("agent", agentUrl),
	}
}

func (c *Client) AgentUrl() string {
	return c.agentUrl
}

// Submit posts def to the agent and returns the absolute url of the created job. The post is never
// repeated once it may have reached the agent, which would otherwise start the job twice.
func (c *Client) Submit(ctx context.Context, def job.Definition) (string, error) {
	body, err := json.Marshal(def)
	if err != nil {
		return "", errors.WithStack(err)
	}
	var jobUrl string
	err = c.send(ctx, false, http.MethodPost, c.agentUrl+"/jobs", body, http.StatusCreated, func(resp *http.Response) error {
		location := resp.Header.Get("Location")
		if location == "" {
			return errors.New("agent did not return the location of the job")
		}
		resolved, err := c.resolve(location)
		if err != nil {
			return err
		}
		jobUrl = resolved
		return nil
	})
	return jobUrl, err
}

// GetState also counts as driver communication on the agent.
func (c *Client) GetState(ctx context.Context, jobUrl string) (job.State, error) {
	var state job.State
	err := c.do(ctx, http.MethodGet, jobUrl+"/state", nil, http.StatusOK, func(resp *http.Response) error {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.WithStack(err)
		}
		state = job.State(strings.TrimSpace(string(raw)))
		return state.Validate()
	})
	return state, err
}

func (c *Client) GetJob(ctx context.Context, jobUrl string) (job.Info, error) {
	var info job.Info
	err := c.do(ctx, http.MethodGet, jobUrl, nil, http.StatusOK, decodeInto(&info))
	return info, err
}

func (c *Client) Touch(ctx context.Context, jobUrl string) error {
	return c.do(ctx, http.MethodGet, jobUrl+"/touch", nil, http.StatusOK, nil)
}

func (c *Client) Stop(ctx context.Context, jobUrl string) error {
	return c.do(ctx, http.MethodPost, jobUrl+"/stop", nil, http.StatusAccepted, nil)
}

func (c *Client) Delete(ctx context.Context, jobUrl string) error {
	return c.do(ctx, http.MethodDelete, jobUrl, nil, http.StatusAccepted, nil)
}

func (c *Client) GetMeasurements(ctx context.Context, jobUrl string) (jobstats.Statistics, error) {
	var stats jobstats.Statistics
	err := c.do(ctx, http.MethodGet, jobUrl+"/measurements", nil, http.StatusOK, decodeInto(&stats))
	return stats, err
}

func (c *Client) GetOutput(ctx context.Context, jobUrl string) (string, error) {
	var output string
	err := c.do(ctx, http.MethodGet, jobUrl+"/output", nil, http.StatusOK, func(resp *http.Response) error {
		raw, err := io.ReadAll(resp.Body)
		output = string(raw)
		return errors.WithStack(err)
	})
	return output, err
}

func (c *Client) resolve(location string) (string, error) {
	base, err := url.Parse(c.agentUrl + "/")
	if err != nil {
		return "", &benchmarkerrors.ErrInvalidArgument{Name: "agentUrl", Value: c.agentUrl, Message: err.Error()}
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimRight(base.ResolveReference(ref).String(), "/"), nil
}

// do performs one idempotent request with bounded retries. Client errors are final; transport
// errors and server errors are retried and end up as ErrAgentUnreachable.
func (c *Client) do(ctx context.Context, method string, target string, body []byte, expected int, onSuccess func(*http.Response) error) error {
	return c.send(ctx, true, method, target, body, expected, onSuccess)
}

// send is do for requests that may not be idempotent. Those are retried only while no connection to
// the agent could be made, and any other failure is returned as is.
func (c *Client) send(ctx context.Context, idempotent bool, method string, target string, body []byte, expected int, onSuccess func(*http.Response) error) error {
	attempts := uint(0)
	err := util.RetryBounded(ctx, c.config.Retries, c.config.RetryDelay, func() error {
		attempts++
		err := c.once(ctx, method, target, body, expected, onSuccess)
		if err != nil && !idempotent && !notConnected(err) {
			return retry.Unrecoverable(err)
		}
		return err
	}, func(attempt uint, err error) {
		c.logger.Debugf("%s %s failed (attempt %d): %v", method, target, attempt+1, err)
	})
	if err == nil || !benchmarkerrors.IsRetryable(err) {
		return err
	}
	if !idempotent && !notConnected(err) {
		return err
	}
	return &benchmarkerrors.ErrAgentUnreachable{Url: target, Attempts: attempts, Cause: err}
}

// notConnected reports whether err happened while dialing, before any request bytes were written.
func notConnected(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) once(ctx context.Context, method string, target string, body []byte, expected int, onSuccess func(*http.Response) error) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &benchmarkerrors.ErrInvalidArgument{Name: "url", Value: target, Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &benchmarkerrors.ErrCanceled{Operation: method + " " + target, Cause: ctx.Err()}
		}
		return errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		return statusError(method, target, resp)
	}
	if onSuccess == nil {
		return nil
	}
	return onSuccess(resp)
}

func statusError(method string, target string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(raw))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &benchmarkerrors.ErrNotFound{Type: "job", Value: target, Message: message}
	case http.StatusBadRequest:
		return &benchmarkerrors.ErrInvalidArgument{Name: "request", Value: target, Message: message}
	}
	return errors.Errorf("%s %s returned %d: %s", method, target, resp.StatusCode, message)
}

func decodeInto(v interface{}) func(*http.Response) error {
	return func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return errors.Wrapf(err, "decoding %T", v)
		}
		return nil
	}
}
