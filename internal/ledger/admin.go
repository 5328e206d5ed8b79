package ledger

import (
	"context"
	"errors"

	"github.com/ppiankov/govgate/internal/model"
)

// AdminDenied records a refused administrative operation and returns cause.
// If the append itself fails, both errors are returned joined.
func (l *Ledger) AdminDenied(ctx context.Context, actor model.Actor, operation, resourceType, resourceID string, cause error) error {
	_, err := l.Append(ctx, Draft{
		Kind:         KindAdminDenied,
		Description:  "denied " + operation,
		Actor:        actor,
		Outcome:      OutcomeDenied,
		Context:      map[string]string{"operation": operation, "reason": cause.Error()},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
