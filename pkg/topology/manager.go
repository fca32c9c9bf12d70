// Package topology declares, verifies and deletes queues and keeps the bindings of
// durable queues in sync with what the application expects.
//
// Existing queue metadata and bindings are read from the management API before the
// channel operation is queued, because probing for them over AMQP closes the channel
// when the queue is missing or differs.
package topology

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/amqp/management"
	"github.com/rs/zerolog"
)

// Opts holds options for Manager.
type Opts struct {
	logger     *zerolog.Logger
	management *management.Opts
}

// WithLogger sets the logger. If nil, the logger of the channel's connection manager is
// used.
//
// Default: nil.
func (opts *Opts) WithLogger(logger *zerolog.Logger) *Opts {
	opts.logger = logger
	return opts
}

// WithManagementOpts sets the options of the management API client. If nil, the client
// uses management.NewOpts with the connection manager's logger and metrics.
//
// Default: nil.
func (opts *Opts) WithManagementOpts(managementOpts *management.Opts) *Opts {
	opts.management = managementOpts
	return opts
}

// NewOpts returns a new Opts with default options.
func NewOpts() *Opts {
	return new(Opts)
}

// Manager runs topology operations on a Channel.
type Manager struct {
	channel *amqp.Channel
	api     *management.Client
	state   *amqp.TopologyState
	logger  zerolog.Logger
}

// NewManager returns a Manager running its operations on channel. If opts is nil,
// NewOpts is used.
func NewManager(channel *amqp.Channel, opts *Opts) *Manager {
	if opts == nil {
		opts = NewOpts()
	}

	connManager := channel.Manager()

	logger := connManager.Logger()
	if opts.logger != nil {
		logger = *opts.logger
	}
	logger = logger.With().Str("COMPONENT", "TOPOLOGY").Logger()

	managementOpts := opts.management
	if managementOpts == nil {
		managementOpts = management.NewOpts().
			WithLogger(logger).
			WithMetrics(connManager.Metrics())
	}

	return &Manager{
		channel: channel,
		api:     management.NewClient(connManager.Config().Params, managementOpts),
		state:   connManager.State(),
		logger:  logger,
	}
}

// retry runs attempt until it succeeds or fails for a reason other than its physical
// channel or connection going away. Management queries are part of the attempt, so
// they are repeated against the new connection.
func (manager *Manager) retry(ctx context.Context, attempt func() error) error {
	for {
		err := attempt()
		if err == nil || !amqp.IsConnectionInvalidated(err) || manager.channel.IsClosing() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if manager.logger.Debug().Enabled() {
			manager.logger.Debug().Err(err).Msg("retrying topology operation")
		}
	}
}

// declareCheck is the outcome of comparing an existing durable queue with the desired
// one.
type declareCheck struct {
	declare      bool
	syncBindings bool
}

// checkDurable decides whether queue must be declared. A queue that exists with
// different flags is left alone entirely; one that exists with different arguments is
// not redeclared, but its bindings are still synced.
func (manager *Manager) checkDurable(
	ctx context.Context, queue string, args amqp.Table,
) (declareCheck, error) {
	info, err := manager.api.GetQueueInfo(ctx, queue)
	if err != nil {
		return declareCheck{}, err
	}
	if info == nil {
		return declareCheck{declare: true, syncBindings: true}, nil
	}

	if !info.Durable || info.AutoDelete || info.Exclusive {
		manager.logger.Warn().
			Str("QUEUE", queue).
			Bool("DURABLE", info.Durable).
			Bool("AUTO_DELETE", info.AutoDelete).
			Bool("EXCLUSIVE", info.Exclusive).
			Msg("durable queue exists with incompatible flags, leaving it untouched")
		return declareCheck{}, nil
	}

	if !ArgumentsEqual(info.Arguments, args) {
		manager.logger.Warn().
			Str("QUEUE", queue).
			Interface("EXISTING_ARGUMENTS", info.Arguments).
			Interface("ARGUMENTS", args).
			Msg("durable queue exists with different arguments, not redeclaring")
		return declareCheck{syncBindings: true}, nil
	}

	return declareCheck{declare: true, syncBindings: true}, nil
}

// DeclareDurable declares a durable queue and makes its bindings equal to bindings:
// missing bindings are added and bindings not in the list are removed. Exchanges of new
// bindings are declared as durable topic exchanges first.
func (manager *Manager) DeclareDurable(
	ctx context.Context, queue string, bindings []amqp.QueueBinding, args amqp.Table,
) error {
	logger := manager.logger.With().Str("QUEUE", queue).Logger()

	err := manager.retry(ctx, func() error {
		check, err := manager.checkDurable(ctx, queue, args)
		if err != nil {
			return err
		}
		if !check.declare && !check.syncBindings {
			return nil
		}

		var toBind, toUnbind []amqp.QueueBinding
		if check.syncBindings {
			existing, err := manager.api.GetQueueBindings(ctx, queue)
			if err != nil {
				return err
			}
			toBind, toUnbind = DiffBindings(bindings, existing)
		}

		return manager.channel.Enqueue(ctx, func(handle *amqp.ChannelHandle) error {
			if check.declare {
				logger.Info().Msg("declaring durable queue")
				if _, err := handle.QueueDeclare(queue, true, false, false, args); err != nil {
					return err
				}
			}

			for _, binding := range toBind {
				logger.Info().
					Str("EXCHANGE", binding.Exchange).
					Str("ROUTING_KEY", binding.RoutingKey).
					Msg("binding durable queue")
				if err := handle.QueueBind(queue, binding); err != nil {
					return err
				}
			}

			for _, binding := range toUnbind {
				logger.Info().
					Str("EXCHANGE", binding.Exchange).
					Str("ROUTING_KEY", binding.RoutingKey).
					Msg("removing obsolete binding")
				if err := handle.QueueUnbind(queue, binding); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("error declaring durable queue '%v': %w", queue, err)
	}
	return nil
}

// VerifyDurable checks that a durable queue exists without changing it. A missing queue
// fails with a NotFound *amqp.Error. A queue that exists with different flags or
// arguments is logged and accepted.
func (manager *Manager) VerifyDurable(ctx context.Context, queue string, args amqp.Table) error {
	err := manager.retry(ctx, func() error {
		check, err := manager.checkDurable(ctx, queue, args)
		if err != nil || !check.declare {
			return err
		}

		return manager.channel.Enqueue(ctx, func(handle *amqp.ChannelHandle) error {
			manager.logger.Info().Str("QUEUE", queue).Msg("verifying durable queue")
			_, err := handle.QueueDeclarePassive(queue)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("error verifying durable queue '%v': %w", queue, err)
	}
	return nil
}

// DeleteDurable deletes a durable queue. With onlyIfEmpty, a queue that still holds
// messages is kept but stripped of all its bindings so it drains without filling up
// again. A deleted queue is remembered so it is no longer consumed from.
func (manager *Manager) DeleteDurable(ctx context.Context, queue string, onlyIfEmpty bool) error {
	logger := manager.logger.With().Str("QUEUE", queue).Logger()

	var err error
	if onlyIfEmpty {
		err = manager.deleteIfEmpty(ctx, queue, logger)
	} else {
		err = manager.retry(ctx, func() error {
			purged, err := amqp.EnqueueValue(
				ctx,
				manager.channel,
				func(handle *amqp.ChannelHandle) (int, error) {
					return handle.QueueDelete(queue, false)
				},
			)
			if err != nil {
				return err
			}
			manager.state.SetQueueDeleted(queue)
			logger.Info().Int("MESSAGES", purged).Msg("obsolete queue deleted")
			return nil
		})
	}

	if err != nil {
		return fmt.Errorf("error deleting durable queue '%v': %w", queue, err)
	}
	return nil
}

func (manager *Manager) deleteIfEmpty(
	ctx context.Context, queue string, logger zerolog.Logger,
) error {
	return manager.retry(ctx, func() error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			info, err := manager.api.GetQueueInfo(ctx, queue)
			if err != nil {
				return err
			}
			if info == nil {
				manager.state.SetQueueDeleted(queue)
				return nil
			}

			if info.Messages > 0 {
				return manager.unbindAll(ctx, queue, info.Messages, logger)
			}

			// ifEmpty still guards against a message arriving after the query.
			err = manager.channel.Enqueue(ctx, func(handle *amqp.ChannelHandle) error {
				_, err := handle.QueueDelete(queue, true)
				return err
			})

			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
				logger.Info().Msg("queue received messages before delete, retrying")
				continue
			}
			if err != nil {
				return err
			}

			manager.state.SetQueueDeleted(queue)
			logger.Info().Int("MESSAGES", 0).Msg("obsolete queue deleted")
			return nil
		}
	})
}

func (manager *Manager) unbindAll(
	ctx context.Context, queue string, messages int, logger zerolog.Logger,
) error {
	bindings, err := manager.api.GetQueueBindings(ctx, queue)
	if err != nil {
		return err
	}

	err = manager.channel.Enqueue(ctx, func(handle *amqp.ChannelHandle) error {
		for _, binding := range bindings {
			if err := handle.QueueUnbind(queue, binding); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info().
		Int("MESSAGES", messages).
		Int("UNBOUND", len(bindings)).
		Msg("obsolete queue not empty, bindings removed")
	return nil
}

// DynamicQueueName returns prefix followed by a dot and a random hex string.
func DynamicQueueName(prefix string) string {
	return prefix + "." + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DeclareDynamic declares an exclusive, auto-delete queue and returns its name. With a
// prefix the name is generated by DynamicQueueName, without one the broker names it.
func (manager *Manager) DeclareDynamic(
	ctx context.Context, prefix string, args amqp.Table,
) (string, error) {
	var name string
	err := manager.retry(ctx, func() error {
		declared, err := amqp.EnqueueValue(
			ctx,
			manager.channel,
			func(handle *amqp.ChannelHandle) (string, error) {
				return DeclareDynamicOn(handle, prefix, args)
			},
		)
		name = declared
		return err
	})
	if err != nil {
		return "", fmt.Errorf("error declaring dynamic queue: %w", err)
	}

	manager.logger.Info().Str("QUEUE", name).Msg("dynamic queue declared")
	return name, nil
}

// DeclareDynamicOn is DeclareDynamic for code already running in an operation on
// handle.
func DeclareDynamicOn(handle *amqp.ChannelHandle, prefix string, args amqp.Table) (string, error) {
	name := ""
	if prefix != "" {
		name = DynamicQueueName(prefix)
	}

	queue, err := handle.QueueDeclare(name, false, true, true, args)
	if err != nil {
		return "", err
	}
	return queue.Name, nil
}

// BindDynamic binds a dynamic queue. It is not retried on a new connection: the
// queue was removed with the old one and has to be declared again.
func (manager *Manager) BindDynamic(
	ctx context.Context, queue string, binding amqp.QueueBinding,
) error {
	err := manager.channel.Enqueue(ctx, func(handle *amqp.ChannelHandle) error {
		return handle.QueueBind(queue, binding)
	})
	if err != nil {
		return fmt.Errorf("error binding dynamic queue '%v' to %v: %w", queue, binding, err)
	}

	manager.logger.Info().
		Str("QUEUE", queue).
		Str("EXCHANGE", binding.Exchange).
		Str("ROUTING_KEY", binding.RoutingKey).
		Msg("dynamic queue bound")
	return nil
}

// DiffBindings returns the bindings of desired missing from existing, and the bindings
// of existing not in desired, each sorted.
func DiffBindings(
	desired []amqp.QueueBinding, existing []amqp.QueueBinding,
) (toBind []amqp.QueueBinding, toUnbind []amqp.QueueBinding) {
	desiredSet := mapset.NewThreadUnsafeSet(desired...)
	existingSet := mapset.NewThreadUnsafeSet(existing...)

	toBind = sortBindings(desiredSet.Difference(existingSet).ToSlice())
	toUnbind = sortBindings(existingSet.Difference(desiredSet).ToSlice())
	return toBind, toUnbind
}

func sortBindings(bindings []amqp.QueueBinding) []amqp.QueueBinding {
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Exchange != bindings[j].Exchange {
			return bindings[i].Exchange < bindings[j].Exchange
		}
		return bindings[i].RoutingKey < bindings[j].RoutingKey
	})
	return bindings
}

// ArgumentsEqual compares queue arguments as reported by the management API with
// declare arguments. Numbers are compared by value regardless of their Go type, and nil
// equals empty.
func ArgumentsEqual(existing map[string]interface{}, desired amqp.Table) bool {
	return reflect.DeepEqual(normalizeArguments(existing), normalizeArguments(desired))
}

func normalizeArguments(args map[string]interface{}) map[string]interface{} {
	normalized := make(map[string]interface{}, len(args))
	for key, value := range args {
		switch typed := value.(type) {
		case int:
			normalized[key] = float64(typed)
		case int8:
			normalized[key] = float64(typed)
		case int16:
			normalized[key] = float64(typed)
		case int32:
			normalized[key] = float64(typed)
		case int64:
			normalized[key] = float64(typed)
		case uint8:
			normalized[key] = float64(typed)
		case uint16:
			normalized[key] = float64(typed)
		case uint32:
			normalized[key] = float64(typed)
		case float32:
			normalized[key] = float64(typed)
		default:
			normalized[key] = value
		}
	}
	return normalized
}
