package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/healthbridge/apptflow/internal/api/middleware"
	"github.com/healthbridge/apptflow/internal/domain/appointment"
	"github.com/healthbridge/apptflow/internal/domain/notification"
	"github.com/healthbridge/apptflow/internal/infrastructure/postgres"
	"github.com/healthbridge/apptflow/internal/infrastructure/redpanda"
	"github.com/healthbridge/apptflow/pkg/idempotency"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	withAdmin := func(cmd *cobra.Command, fn func(ctx context.Context, e *env, admin *redpanda.Admin) error) error {
		e, err := load()
		if err != nil {
			return err
		}
		defer e.logger.Sync()
		admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
		if err != nil {
			return err
		}
		defer admin.Close()
		return fn(cmd.Context(), e, admin)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the appointment topics if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, e *env, admin *redpanda.Admin) error {
				return admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs(e.cfg.KafkaReplication))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, _ *env, admin *redpanda.Admin) error {
				names, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe <topic>",
		Short: "Show partition leaders and replicas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, _ *env, admin *redpanda.Admin) error {
				details, err := admin.DescribeTopic(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, details)
			})
		},
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, e *env, admin *redpanda.Admin) error {
				group, _ := cmd.Flags().GetString("group")
				if group == "" {
					group = e.cfg.DispatchGroupID
				}
				lag, err := admin.GetConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				topics := make([]string, 0, len(lag))
				for t := range lag {
					topics = append(topics, t)
				}
				sort.Strings(topics)
				for _, t := range topics {
					partitions := make([]int32, 0, len(lag[t]))
					for p := range lag[t] {
						partitions = append(partitions, p)
					}
					sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
					for _, p := range partitions {
						fmt.Fprintf(cmd.OutOrStdout(), "%s[%d]\t%d\n", t, p, lag[t][p])
					}
				}
				return nil
			})
		},
	}
	lagCmd.Flags().String("group", "", "consumer group (default DISPATCH_GROUP_ID)")
	cmd.AddCommand(lagCmd)
	return cmd
}

func newOutbox(e *env, pool *pgxpool.Pool, publisher postgres.OutboxPublisher) *postgres.Outbox {
	cfg := postgres.DefaultOutboxConfig()
	cfg.MaxRetries = e.cfg.OutboxMaxRetries
	cfg.DeadLetterTopic = redpanda.TopicAppointmentDeadLetter
	return postgres.NewOutbox(pool, publisher, cfg, nil, e.logger)
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and maintain the event outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show pending, processed and failed counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				stats, err := newOutbox(e, pool, nil).GetStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	})

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed entries older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withPool(cmd, func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				n, err := newOutbox(e, pool, nil).CleanupProcessed(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
				return nil
			})
		},
	}
	cleanupCmd.Flags().Duration("older-than", 7*24*time.Hour, "minimum age of processed entries")
	cmd.AddCommand(cleanupCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "dead-letter",
		Short: "Park entries that exhausted their retries on the dead letter topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				cfg := redpanda.DefaultProducerConfig()
				cfg.Brokers = e.cfg.KafkaBrokers
				producer, err := redpanda.NewProducer(cfg, e.logger)
				if err != nil {
					return err
				}
				defer producer.Close()

				n, err := newOutbox(e, pool, producer).MoveToDeadLetter(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "parked %d entries on %s\n", n, redpanda.TopicAppointmentDeadLetter)
				return nil
			})
		},
	})
	return cmd
}

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect and maintain the consumer inbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show entry counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				stats, err := idempotency.NewInbox(pool, idempotency.DefaultConfig(), e.logger).GetStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Mark abandoned in-progress entries as recoverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				n, err := idempotency.NewInbox(pool, idempotency.DefaultConfig(), e.logger).RecoverStaleEntries(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d entries\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				n, err := idempotency.NewInbox(pool, idempotency.DefaultConfig(), e.logger).Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
				return nil
			})
		},
	})
	return cmd
}

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Inspect stored notifications",
	}

	dueCmd := &cobra.Command{
		Use:   "due",
		Short: "List notifications that take effect within --window",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, _ := cmd.Flags().GetDuration("window")
			return withPool(cmd, func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				from := time.Now().UTC()
				due, err := notification.NewRepository(pool, e.logger).Due(ctx, from, from.Add(window))
				if err != nil {
					return err
				}
				return printJSON(cmd, due)
			})
		},
	}
	dueCmd.Flags().Duration("window", 24*time.Hour, "look-ahead window")
	cmd.AddCommand(dueCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed access token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			if e.cfg.IsProduction() {
				return fmt.Errorf("refusing to issue tokens with ENV=%s", e.cfg.Env)
			}
			if err := e.cfg.RequireJWTSecret(); err != nil {
				return err
			}

			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			actor := appointment.Actor{ID: args[0], Role: appointment.Role(role)}
			if !actor.Role.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if _, err := uuid.Parse(actor.ID); err != nil {
				return fmt.Errorf("user id %q is not a uuid", actor.ID)
			}

			token, err := middleware.NewTokenAuth(e.cfg.JWTSecret, e.cfg.JWTIssuer).Issue(actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("role", string(appointment.RolePatient), "patient, doctor or admin")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}
