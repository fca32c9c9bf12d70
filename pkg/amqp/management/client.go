// Package management queries the RabbitMQ management HTTP API for queue metadata and
// bindings, which the AMQP protocol itself cannot report without side effects.
//
// Requests that fail with a transient status (408, 502, 503 and 504) or a network
// timeout are retried forever on the schedule 1s, 2s, 3s, 5s, 8s, 13s, 21s, 34s, 55s,
// repeating the last delay.
package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/peake100/warren-go/internal/metrics"
	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 30 * time.Second

// RetrySchedule is the delay before each retry of a transient failure.
var RetrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	13 * time.Second,
	21 * time.Second,
	34 * time.Second,
	55 * time.Second,
}

// ErrUnexpectedStatus is returned for a response status that is neither a success nor
// transient.
type ErrUnexpectedStatus struct {
	Path       string
	StatusCode int
}

// Error implements builtins.error.
func (err ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf(
		"management api request '%v' returned status %v", err.Path, err.StatusCode,
	)
}

// QueueInfo is the subset of the management API's queue object this package uses.
type QueueInfo struct {
	Name        string                 `json:"name"`
	VirtualHost string                 `json:"vhost"`
	Durable     bool                   `json:"durable"`
	AutoDelete  bool                   `json:"auto_delete"`
	Exclusive   bool                   `json:"exclusive"`
	Arguments   map[string]interface{} `json:"arguments"`
	Messages    int                    `json:"messages"`
	Consumers   int                    `json:"consumers"`
}

// BindingInfo is a binding object as returned by the management API.
type BindingInfo struct {
	Source          string                 `json:"source"`
	VirtualHost     string                 `json:"vhost"`
	Destination     string                 `json:"destination"`
	DestinationType string                 `json:"destination_type"`
	RoutingKey      string                 `json:"routing_key"`
	Arguments       map[string]interface{} `json:"arguments"`
	PropertiesKey   string                 `json:"properties_key"`
}

// ScheduleBackOff is a backoff.BackOff that walks a fixed list of delays and then keeps
// returning the last one.
type ScheduleBackOff struct {
	Schedule []time.Duration
	attempt  int
}

// NextBackOff implements backoff.BackOff.
func (schedule *ScheduleBackOff) NextBackOff() time.Duration {
	if len(schedule.Schedule) == 0 {
		return 0
	}
	index := schedule.attempt
	if index >= len(schedule.Schedule) {
		index = len(schedule.Schedule) - 1
	}
	schedule.attempt++
	return schedule.Schedule[index]
}

// Reset implements backoff.BackOff.
func (schedule *ScheduleBackOff) Reset() {
	schedule.attempt = 0
}

// Opts holds options for Client.
type Opts struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	newBackOff     func() backoff.BackOff
	logger         zerolog.Logger
	metrics        *metrics.Collectors
}

// WithBaseURL overrides the API root, which is otherwise built from the connection
// params as http://{host}:{managementPort}.
//
// Default: "".
func (opts *Opts) WithBaseURL(baseURL string) *Opts {
	opts.baseURL = baseURL
	return opts
}

// WithHTTPClient sets the http client requests are made with.
//
// Default: a new http.Client.
func (opts *Opts) WithHTTPClient(client *http.Client) *Opts {
	opts.httpClient = client
	return opts
}

// WithRequestTimeout bounds every single request attempt.
//
// Default: 30s.
func (opts *Opts) WithRequestTimeout(timeout time.Duration) *Opts {
	opts.requestTimeout = timeout
	return opts
}

// WithBackOff sets the factory of the retry schedule of a request.
//
// Default: a ScheduleBackOff over RetrySchedule.
func (opts *Opts) WithBackOff(newBackOff func() backoff.BackOff) *Opts {
	opts.newBackOff = newBackOff
	return opts
}

// WithLogger sets the logger.
//
// Default: zerolog.Nop().
func (opts *Opts) WithLogger(logger zerolog.Logger) *Opts {
	opts.logger = logger
	return opts
}

// WithMetrics sets the collectors retries are counted on.
//
// Default: nil.
func (opts *Opts) WithMetrics(collectors *metrics.Collectors) *Opts {
	opts.metrics = collectors
	return opts
}

// NewOpts returns a new Opts with default options.
func NewOpts() *Opts {
	return new(Opts).
		WithHTTPClient(new(http.Client)).
		WithRequestTimeout(defaultRequestTimeout).
		WithBackOff(func() backoff.BackOff {
			return &ScheduleBackOff{Schedule: RetrySchedule}
		}).
		WithLogger(zerolog.Nop())
}

// Client is a management API client for one virtual host.
type Client struct {
	baseURL     string
	virtualHost string
	username    string
	password    string
	opts        Opts
}

// NewClient creates a Client for the broker and vhost of params. If opts is nil,
// NewOpts is used.
func NewClient(params amqp.ConnectionParams, opts *Opts) *Client {
	if opts == nil {
		opts = NewOpts()
	}

	baseURL := opts.baseURL
	if baseURL == "" {
		host := params.Host
		// "localhost" may resolve to ::1 first, which the management plugin does not
		// always listen on.
		if host == "localhost" {
			host = "127.0.0.1"
		}
		baseURL = "http://" + net.JoinHostPort(host, strconv.Itoa(params.ManagementPort))
	}

	return &Client{
		baseURL:     baseURL,
		virtualHost: params.VirtualHost,
		username:    params.Username,
		password:    params.Password,
		opts:        *opts,
	}
}

func (client *Client) queuePath(queue string) string {
	return "/api/queues/" + url.PathEscape(client.virtualHost) + "/" + url.PathEscape(queue)
}

// GetQueueInfo returns the metadata of queue, or nil if it does not exist.
func (client *Client) GetQueueInfo(ctx context.Context, queue string) (*QueueInfo, error) {
	var info *QueueInfo
	found, err := client.get(ctx, client.queuePath(queue), &info)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return info, nil
}

// GetQueueBindings returns the bindings of queue. The default binding from the nameless
// exchange and bindings without a routing key are left out. A missing queue has no
// bindings.
func (client *Client) GetQueueBindings(
	ctx context.Context, queue string,
) ([]amqp.QueueBinding, error) {
	var infos []BindingInfo
	found, err := client.get(ctx, client.queuePath(queue)+"/bindings", &infos)
	if err != nil || !found {
		return nil, err
	}

	bindings := make([]amqp.QueueBinding, 0, len(infos))
	for _, info := range infos {
		if info.Source == "" || info.RoutingKey == "" {
			continue
		}
		bindings = append(bindings, amqp.QueueBinding{
			Exchange:   info.Source,
			RoutingKey: info.RoutingKey,
		})
	}
	return bindings, nil
}

// errTransient marks a failure that is retried.
type errTransient struct {
	err error
}

func (err errTransient) Error() string {
	return err.err.Error()
}

func (err errTransient) Unwrap() error {
	return err.err
}

// get fetches path into target, retrying transient failures. A 404 returns false.
func (client *Client) get(ctx context.Context, path string, target interface{}) (bool, error) {
	logger := client.opts.logger.With().Str("PATH", path).Logger()

	found, err := backoff.Retry(
		ctx,
		func() (bool, error) {
			found, err := client.getOnce(ctx, path, target)
			if err == nil {
				return found, nil
			}

			var transient errTransient
			if errors.As(err, &transient) {
				return false, err
			}
			return false, backoff.Permanent(err)
		},
		backoff.WithBackOff(client.opts.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			client.opts.metrics.ManagementRetry()
			logger.Warn().
				Err(err).
				Dur("DELAY", delay).
				Msg("transient management api failure, retrying")
		}),
	)
	if err != nil {
		var transient errTransient
		if errors.As(err, &transient) {
			err = transient.err
		}
		return false, fmt.Errorf("error querying management api: %w", err)
	}
	return found, nil
}

func (client *Client) getOnce(ctx context.Context, path string, target interface{}) (bool, error) {
	requestCtx, cancel := context.WithTimeout(ctx, client.opts.requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(
		requestCtx, http.MethodGet, client.baseURL+path, nil,
	)
	if err != nil {
		return false, fmt.Errorf("error building request: %w", err)
	}
	request.SetBasicAuth(client.username, client.password)
	request.Header.Set("Accept", "application/json")
	request.Close = true

	response, err := client.opts.httpClient.Do(request)
	if err != nil {
		// The caller's context ending is not transient.
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return false, errTransient{err: err}
		}
		return false, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return false, nil
	case isTransientStatus(response.StatusCode):
		return false, errTransient{err: ErrUnexpectedStatus{
			Path:       path,
			StatusCode: response.StatusCode,
		}}
	case response.StatusCode < 200 || response.StatusCode > 299:
		return false, ErrUnexpectedStatus{Path: path, StatusCode: response.StatusCode}
	}

	if err = json.NewDecoder(response.Body).Decode(target); err != nil {
		return false, fmt.Errorf("error decoding response of '%v': %w", path, err)
	}
	return true, nil
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
