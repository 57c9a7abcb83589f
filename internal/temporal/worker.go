// Package temporal hosts the durable execution mode: a Temporal worker
// running the personalization workflow, and a client for starting runs.
package temporal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/activities"
	"github.com/concierge-ai/concierge/internal/workflows"
)

// Options configures the Temporal connection.
type Options struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Service owns the Temporal client and worker for durable orchestration.
type Service struct {
	client    client.Client
	worker    worker.Worker
	taskQueue string
	logger    *zap.Logger
}

// NewService dials Temporal and registers the workflow and activities.
func NewService(opts Options, acts *activities.Activities, logger *zap.Logger) (*Service, error) {
	c, err := client.Dial(client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
		Logger:    NewZapAdapter(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", opts.HostPort, err)
	}

	w := worker.New(c, opts.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.PersonalizationWorkflow)
	w.RegisterActivity(acts)

	return &Service{
		client:    c,
		worker:    w,
		taskQueue: opts.TaskQueue,
		logger:    logger,
	}, nil
}

// Start runs the worker until Stop is called.
func (s *Service) Start() error {
	return s.worker.Start()
}

// Stop shuts down the worker and closes the client.
func (s *Service) Stop() {
	s.worker.Stop()
	s.client.Close()
}

// Execute starts one durable orchestration and blocks for its result.
func (s *Service) Execute(ctx context.Context, input workflows.PersonalizationInput) (workflows.PersonalizationResult, error) {
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    "personalization-" + uuid.New().String(),
		TaskQueue:             s.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, workflows.PersonalizationWorkflow, input)
	if err != nil {
		return workflows.PersonalizationResult{}, fmt.Errorf("start workflow: %w", err)
	}

	var result workflows.PersonalizationResult
	if err := run.Get(ctx, &result); err != nil {
		return result, err
	}
	return result, nil
}
