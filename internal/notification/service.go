package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tenantshift/tenantshift-api/internal/repository"
)

type Event struct {
	JobID    string
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifyMigrationStarted(ctx context.Context, jobID, jobName string) error
	NotifyStageCompleted(ctx context.Context, jobID, jobName string, stage models.Stage) error
	NotifyMigrationCompleted(ctx context.Context, jobID, jobName string, appsMigrated, spsMigrated int) error
	NotifyMigrationFailed(ctx context.Context, jobID, jobName, reason string) error
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, fmt.Errorf("event type is required")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	if title == "" {
		title = string(evt.Event)
	}

	notif := models.Notification{
		EventType: evt.Event,
		Severity:  evt.Severity,
		Title:     title,
		Message:   strings.TrimSpace(evt.Message),
	}
	if jid := strings.TrimSpace(evt.JobID); jid != "" {
		notif.JobID = &jid
	}
	if len(evt.Metadata) > 0 {
		meta, err := json.Marshal(evt.Metadata)
		if err != nil {
			return models.Notification{}, fmt.Errorf("failed to encode notification metadata: %w", err)
		}
		notif.Metadata = meta
	}

	if err := s.repo.Create(&notif); err != nil {
		s.logger.Error().Err(err).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	return notif, nil
}

func (s *service) NotifyMigrationStarted(ctx context.Context, jobID, jobName string) error {
	name := fallbackName(jobName, jobID)
	_, err := s.Publish(ctx, Event{
		JobID:    jobID,
		Event:    models.NotificationEventMigrationStarted,
		Severity: models.NotificationSeverityInfo,
		Title:    fmt.Sprintf("Migration started: %s", name),
		Message:  fmt.Sprintf("Migration job %s has started.", name),
		Metadata: map[string]interface{}{
			"job_id":   jobID,
			"job_name": name,
		},
	})
	return err
}

func (s *service) NotifyStageCompleted(ctx context.Context, jobID, jobName string, stage models.Stage) error {
	name := fallbackName(jobName, jobID)
	_, err := s.Publish(ctx, Event{
		JobID:    jobID,
		Event:    models.NotificationEventStageCompleted,
		Severity: models.NotificationSeverityInfo,
		Title:    fmt.Sprintf("Stage completed: %s", stage),
		Message:  fmt.Sprintf("Migration job %s finished stage %s.", name, stage),
		Metadata: map[string]interface{}{
			"job_id":   jobID,
			"job_name": name,
			"stage":    string(stage),
		},
	})
	return err
}

func (s *service) NotifyMigrationCompleted(ctx context.Context, jobID, jobName string, appsMigrated, spsMigrated int) error {
	name := fallbackName(jobName, jobID)
	metadata := map[string]interface{}{
		"job_id":   jobID,
		"job_name": name,
	}
	if appsMigrated > 0 {
		metadata["applications_migrated"] = appsMigrated
	}
	if spsMigrated > 0 {
		metadata["service_principals_migrated"] = spsMigrated
	}
	_, err := s.Publish(ctx, Event{
		JobID:    jobID,
		Event:    models.NotificationEventMigrationCompleted,
		Severity: models.NotificationSeverityInfo,
		Title:    fmt.Sprintf("Migration completed: %s", name),
		Message:  fmt.Sprintf("Migration job %s completed successfully.", name),
		Metadata: metadata,
	})
	return err
}

func (s *service) NotifyMigrationFailed(ctx context.Context, jobID, jobName, reason string) error {
	name := fallbackName(jobName, jobID)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Unknown error"
	}
	_, err := s.Publish(ctx, Event{
		JobID:    jobID,
		Event:    models.NotificationEventMigrationFailed,
		Severity: models.NotificationSeverityError,
		Title:    fmt.Sprintf("Migration failed: %s", name),
		Message:  fmt.Sprintf("Migration job %s failed: %s", name, reason),
		Metadata: map[string]interface{}{
			"job_id":   jobID,
			"job_name": name,
			"reason":   reason,
		},
	})
	return err
}

func fallbackName(name, fallback string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return fallback
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
