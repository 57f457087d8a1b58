package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/messaging"
)

// Sink delivers an operator notification
type Sink interface {
	Send(subject, body string) error
}

// EmailSink sends notifications over SMTP to the configured operator address
type EmailSink struct {
	cfg config.SMTPConfig
}

// NewEmailSink creates an SMTP-backed sink
func NewEmailSink(cfg config.SMTPConfig) *EmailSink {
	return &EmailSink{cfg: cfg}
}

// Send delivers one email. It fails when SMTP is not configured.
func (e *EmailSink) Send(subject, body string) error {
	if e.cfg.Username == "" || e.cfg.NotificationEmail == "" {
		return fmt.Errorf("smtp is not configured")
	}

	msg := strings.Join([]string{
		"From: " + e.cfg.Username,
		"To: " + e.cfg.NotificationEmail,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	return smtp.SendMail(addr, auth, e.cfg.Username, []string{e.cfg.NotificationEmail}, []byte(msg))
}

// Service fans a notification out to the operator sink and the alerts topic.
// Delivery is best effort; a failed notification never fails the action that
// triggered it.
type Service struct {
	sink  Sink
	kafka *messaging.KafkaClient
	topic string
}

// NewService creates a notification service
func NewService(sink Sink, kafka *messaging.KafkaClient, cfg config.KafkaConfig) *Service {
	return &Service{sink: sink, kafka: kafka, topic: cfg.AlertsTopic}
}

// Notify sends a subject/body pair to every configured channel
func (s *Service) Notify(subject, body string) {
	if s.sink != nil {
		if err := s.sink.Send(subject, body); err != nil {
			log.Printf("Failed to send notification %q: %v", subject, err)
		}
	}

	if s.kafka != nil {
		alert := map[string]string{
			"subject":   subject,
			"body":      body,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		payload, err := json.Marshal(alert)
		if err != nil {
			log.Printf("Failed to marshal alert %q: %v", subject, err)
			return
		}
		if err := s.kafka.PublishMessage(context.Background(), s.topic, subject, json.RawMessage(payload)); err != nil {
			log.Printf("Failed to publish alert %q: %v", subject, err)
		}
	}
}

// ProductPublished notifies that a product went live on the marketplace
func (s *Service) ProductPublished(name, sku, permalink string, price float64) {
	s.Notify(
		fmt.Sprintf("Published: %s", name),
		fmt.Sprintf("Product %s (SKU %s) is now live at $%.2f.\n%s", name, sku, price, permalink),
	)
}

// OptimizationApplied notifies that the optimizer changed a live product
func (s *Service) OptimizationApplied(name, action, reason string) {
	s.Notify(
		fmt.Sprintf("Optimization: %s on %s", action, name),
		fmt.Sprintf("Action %s was applied to %s.\nReason: %s", action, name, reason),
	)
}

// TestCompleted notifies that an A/B test finished
func (s *Service) TestCompleted(name string, testID uint, winner string) {
	outcome := "ended in a tie"
	if winner != "" && winner != "tie" {
		outcome = fmt.Sprintf("was won by variant %s", winner)
	}
	s.Notify(
		fmt.Sprintf("A/B test completed: %s", name),
		fmt.Sprintf("Test %d on %s %s.", testID, name, outcome),
	)
}

// SystemError notifies the operator of a failure that needs attention
func (s *Service) SystemError(component string, err error) {
	s.Notify(
		fmt.Sprintf("System error in %s", component),
		fmt.Sprintf("Component %s reported: %v\nTime: %s", component, err, time.Now().UTC().Format(time.RFC3339)),
	)
}
