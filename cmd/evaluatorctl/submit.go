package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cordum/evaluator/core/evaluation"
	"github.com/cordum/evaluator/core/infra/bus"
	"github.com/cordum/evaluator/core/infra/trace"
)

func newSubmitCmd(a *app) *cobra.Command {
	var (
		p       evaluation.Payload
		file    string
		subject string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish an attempt/evaluate event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				// #nosec G304 -- operator-provided submission file.
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read content: %w", err)
				}
				p.Content = string(data)
			}
			evt, err := submitEvent(&p)
			if err != nil {
				return err
			}
			if subject == "" {
				subject = a.cfg.IngressSubject
			}
			b, err := a.dialBus(a.cfg.NatsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()
			if err := b.Publish(subject, evt); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"event_id": evt.ID,
				"job_id":   evaluation.JobID(p.AttemptID),
				"trace_id": p.TraceID,
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.AttemptID, "attempt", "", "attempt id")
	f.StringVar(&p.UserID, "user", "", "user id")
	f.StringVar(&p.ExerciseID, "exercise", "", "exercise id")
	f.StringVar(&p.FeatureKey, "feature", "", "feature key charged for the evaluation")
	f.StringVar(&p.Content, "content", "", "submission content")
	f.StringVar(&file, "file", "", "read submission content from file")
	f.StringVar(&p.TraceID, "trace-id", "", "trace id to adopt (minted when empty)")
	f.StringVar(&subject, "subject", "", "subject to publish on (defaults to INGRESS_SUBJECT)")
	_ = cmd.MarkFlagRequired("attempt")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("exercise")
	return cmd
}

// submitEvent fills the trace id in p and wraps it in a bus event.
func submitEvent(p *evaluation.Payload) (*bus.Event, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("content required (--content or --file)")
	}
	if strings.TrimSpace(p.TraceID) == "" {
		p.TraceID = trace.NewID()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &bus.Event{ID: uuid.NewString(), Type: evaluation.WorkflowName, Data: data}, nil
}
