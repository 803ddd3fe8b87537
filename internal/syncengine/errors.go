package syncengine

import "errors"

// Sentinel errors matching the taxonomy in spec §7. SyncAborted and
// TokenRefresh are terminal for the run; Download, Storage and
// DigestMismatch are caught per-change and recorded as SyncEvent(ERROR)
// without failing the session.
var (
	ErrSyncAborted    = errors.New("syncengine: sync aborted")
	ErrTokenRefresh   = errors.New("syncengine: token refresh failed")
	ErrDownload       = errors.New("syncengine: download failed")
	ErrStorage        = errors.New("syncengine: storage operation failed")
	ErrDigestMismatch = errors.New("syncengine: digest mismatch")
)

// isPerChangeError reports whether err belongs to the class of failures
// that abort only the change currently being processed, per spec §7's
// propagation policy ("per-change errors are caught ... the change batch
// continues").
func isPerChangeError(err error) bool {
	return errors.Is(err, ErrDownload) || errors.Is(err, ErrStorage) || errors.Is(err, ErrDigestMismatch)
}
