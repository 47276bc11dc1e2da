package notifications

import (
	"bytes"
	"fmt"
	"strconv"
	"text/template"
	"time"

	"github.com/systmms/rootrotate/internal/logging"
)

// TemplateData contains data for rendering rollback messages.
type TemplateData struct {
	ClusterID string
	Principal string

	// Reason explains why the rollback was triggered.
	Reason string

	// BackupID is the root secret backup that was restored.
	BackupID string

	// RestoredKeyID is the key the root secret points at after the restore.
	RestoredKeyID string

	// FailedKeyID is the key that could not be confirmed.
	FailedKeyID string

	// Trigger is automatic or manual.
	Trigger string

	// User is who initiated a manual rollback.
	User string

	Duration  time.Duration
	Attempts  int
	Error     string
	Timestamp time.Time

	// Status is success or failed.
	Status string

	NextSteps string
}

// RollbackTemplates contains the rollback message templates.
var RollbackTemplates = struct {
	Completed *template.Template
	Failed    *template.Template
}{
	Completed: template.Must(template.New("rollback_completed").Parse(rollbackCompletedTemplate)),
	Failed:    template.Must(template.New("rollback_failed").Parse(rollbackFailedTemplate)),
}

const rollbackCompletedTemplate = `Root secret restored

Cluster:   {{.ClusterID}}
Principal: {{.Principal}}
Backup:    {{.BackupID}}
Duration:  {{.Duration}}
Attempts:  {{.Attempts}}
Trigger:   {{.Trigger}}
{{if .User}}Initiated by: {{.User}}
{{end}}
Restored key {{.RestoredKeyID}}{{if .FailedKeyID}}, abandoned {{.FailedKeyID}}{{end}}

Reason: {{.Reason}}

{{.NextSteps}}`

const rollbackFailedTemplate = `Root secret restore FAILED

Cluster:   {{.ClusterID}}
Principal: {{.Principal}}
Backup:    {{.BackupID}}
Duration:  {{.Duration}}
Attempts:  {{.Attempts}}
Trigger:   {{.Trigger}}
{{if .User}}Initiated by: {{.User}}
{{end}}
Reason: {{.Reason}}
Error:  {{.Error}}

{{.NextSteps}}`

// NextStepsSuccess follows a successful restore.
const NextStepsSuccess = `Next Steps:
- The cluster is back on the previous root key
- The unconfirmed key is left on the principal and is retired by the next run
- Investigate why the new key could not be confirmed
- Review the run: rootrotate history`

// NextStepsFailure follows a failed restore.
const NextStepsFailure = `Next Steps:
- Manual intervention is required
- Inspect the root secret and the principal's keys: rootrotate keys
- Restore by hand: rootrotate rollback <backup-id>
- Review the run: rootrotate history`

// RenderRollback renders the completed or failed rollback message,
// depending on data.Status.
func RenderRollback(data TemplateData) (string, error) {
	tmpl := RollbackTemplates.Failed
	if data.Status == "success" {
		tmpl = RollbackTemplates.Completed
	}
	if data.NextSteps == "" {
		data.NextSteps = NextStepsFailure
		if data.Status == "success" {
			data.NextSteps = NextStepsSuccess
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

// NewTemplateDataFromEvent creates TemplateData from a rollback event.
func NewTemplateDataFromEvent(event RotationEvent) TemplateData {
	data := TemplateData{
		ClusterID:     event.ClusterID,
		Principal:     event.Principal,
		RestoredKeyID: logging.MaskKeyID(event.PreviousKeyID),
		FailedKeyID:   logging.MaskKeyID(event.NewKeyID),
		User:          event.InitiatedBy,
		Duration:      event.Duration.Round(time.Millisecond),
		Timestamp:     event.Timestamp,
		Trigger:       "automatic",
	}

	if event.Metadata != nil {
		data.Reason = event.Metadata["reason"]
		data.BackupID = event.Metadata["backup_id"]
		if trigger, ok := event.Metadata["trigger"]; ok {
			data.Trigger = trigger
		}
		if attempts, err := strconv.Atoi(event.Metadata["attempts"]); err == nil {
			data.Attempts = attempts
		}
	}

	if event.Status == StatusRolledBack {
		data.Status = "success"
	} else {
		data.Status = "failed"
		if event.Error != nil {
			data.Error = event.Error.Error()
		}
	}

	return data
}
