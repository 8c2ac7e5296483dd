package ctxutil

// AuditMeta carries the metadata logged for one mutating operator API call
// (submit, cancel, agent reload). It lives in ctxutil so the server package
// and any downstream consumer can populate/read it without circular imports.
type AuditMeta struct {
	RequestID  string
	OperatorID string
	Role       string
	HTTPMethod string
	Endpoint   string
}
