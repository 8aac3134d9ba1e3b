package worker

import (
	"github.com/spec-kit/ticketbot/internal/service"
)

// StartAuditWorker subscribes the audit trail to lifecycle events.
func StartAuditWorker(auditService *service.AuditService) {
	if auditService == nil {
		return
	}
	auditService.RegisterHandlers()
}
