package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/ignatij/crewflow/internal/archive"
	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/service"
	"github.com/ignatij/crewflow/pkg/storage"
	"github.com/pkg/errors"
)

// Executions is the part of the execution service the API exposes.
type Executions interface {
	CreateExecution(ctx context.Context, tenantID, crewID string, inputs models.JSONMap) (models.Execution, error)
	Retry(ctx context.Context, executionID string) (models.Execution, error)
	GetExecution(ctx context.Context, executionID string) (models.Execution, error)
	ListLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error)
}

// Enqueuer hands jobs to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
	Len(ctx context.Context) (int64, error)
}

type createExecutionRequest struct {
	TenantID       string         `json:"tenant_id"`
	CrewID         string         `json:"crew_id"`
	InputVariables models.JSONMap `json:"input_variables"`
	UseMock        bool           `json:"use_mock"`
}

type enqueueRequest struct {
	UseMock bool `json:"use_mock"`
}

type executionResponse struct {
	models.Execution
	DurationSeconds float64 `json:"duration_seconds"`
}

type Server struct {
	svc         Executions
	queue       Enqueuer
	transcripts archive.Archive
	logger      service.Logger
	app         *fiber.App
}

func NewServer(svc Executions, queue Enqueuer, transcripts archive.Archive, logger service.Logger) *Server {
	if transcripts == nil {
		transcripts = archive.Noop{}
	}
	s := &Server{svc: svc, queue: queue, transcripts: transcripts, logger: logger}

	app := fiber.New(fiber.Config{
		AppName:               "crewflow",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	app.Get("/health", s.health)
	app.Post("/executions", s.createExecution)
	app.Get("/executions/:id", s.getExecution)
	app.Get("/executions/:id/logs", s.listLogs)
	app.Get("/executions/:id/transcript", s.getTranscript)
	app.Post("/executions/:id/enqueue", s.enqueueExecution)
	app.Post("/executions/:id/retry", s.retryExecution)
	s.app = app
	return s
}

// App exposes the fiber application, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(port string) error {
	s.logger.Infof("Starting crewflow server on :%s", port)
	return s.app.Listen(":" + port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) health(c *fiber.Ctx) error {
	depth, err := s.queue.Len(c.UserContext())
	if err != nil {
		s.logger.Errorf("Health check: queue unavailable: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "DOWN", "error": "queue unavailable"})
	}
	return c.JSON(fiber.Map{"status": "UP", "queued_jobs": depth})
}

func (s *Server) createExecution(c *fiber.Ctx) error {
	var req createExecutionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.TenantID == "" || req.CrewID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tenant_id and crew_id are required"})
	}

	exec, err := s.svc.CreateExecution(c.UserContext(), req.TenantID, req.CrewID, req.InputVariables)
	if err != nil {
		return s.fail(c, "create execution", err)
	}
	if err := s.queue.Enqueue(c.UserContext(), models.Job{ExecutionID: exec.ID, UseMock: req.UseMock}); err != nil {
		// The record stays queued and can be enqueued again.
		return s.fail(c, "enqueue execution "+exec.ID, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(s.response(exec))
}

func (s *Server) getExecution(c *fiber.Ctx) error {
	exec, err := s.svc.GetExecution(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.fail(c, "get execution", err)
	}
	return c.JSON(s.response(exec))
}

func (s *Server) listLogs(c *fiber.Ctx) error {
	logs, err := s.svc.ListLogs(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.fail(c, "list logs", err)
	}
	if logs == nil {
		logs = []models.ExecutionLog{}
	}
	return c.JSON(logs)
}

func (s *Server) getTranscript(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.svc.GetExecution(c.UserContext(), id); err != nil {
		return s.fail(c, "get execution", err)
	}
	data, err := s.transcripts.Get(c.UserContext(), archive.TranscriptKey(id))
	if errors.Is(err, archive.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no transcript archived for this execution"})
	}
	if err != nil {
		return s.fail(c, "get transcript", err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Send(data)
}

// enqueueExecution re-sends the job of an execution that is still queued,
// e.g. after a lost queue message.
func (s *Server) enqueueExecution(c *fiber.Ctx) error {
	var req enqueueRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}
	exec, err := s.svc.GetExecution(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.fail(c, "get execution", err)
	}
	if exec.Status != models.QueuedExecutionStatus {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "execution is " + string(exec.Status)})
	}
	if err := s.queue.Enqueue(c.UserContext(), models.Job{ExecutionID: exec.ID, UseMock: req.UseMock}); err != nil {
		return s.fail(c, "enqueue execution "+exec.ID, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(s.response(exec))
}

func (s *Server) retryExecution(c *fiber.Ctx) error {
	var req enqueueRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}
	exec, err := s.svc.Retry(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.fail(c, "retry execution", err)
	}
	if err := s.queue.Enqueue(c.UserContext(), models.Job{ExecutionID: exec.ID, UseMock: req.UseMock}); err != nil {
		return s.fail(c, "enqueue execution "+exec.ID, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(s.response(exec))
}

func (s *Server) response(exec models.Execution) executionResponse {
	return executionResponse{Execution: exec, DurationSeconds: exec.Duration(time.Now()).Seconds()}
}

func (s *Server) fail(c *fiber.Ctx, op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotRetryable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	s.logger.Errorf("Failed to %s: %v", op, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to " + op})
}
