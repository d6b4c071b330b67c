package world

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type AuditEntry struct {
	Tick       uint64 `json:"tick"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"` // BUILD, CRASH, DESTROY, REJECT_EVENT
	Generation uint64 `json:"generation,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Blueprint  string `json:"blueprint,omitempty"`
	Version    int    `json:"version,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (w *World) audit(e AuditEntry) {
	if w.auditLogger == nil {
		return
	}
	e.Tick = w.tick
	if err := w.auditLogger.WriteAudit(e); err != nil {
		w.log.Printf("audit: %v", err)
	}
}
