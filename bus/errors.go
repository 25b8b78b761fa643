package bus

import "github.com/ceyewan/hms-plane/xerrors"

var (
	ErrConfigNil     = xerrors.Wrap(xerrors.ErrInvalidInput, "bus: config is nil")
	ErrInvalidConfig = xerrors.Wrap(xerrors.ErrInvalidInput, "bus: invalid config")
	ErrConnectorNil  = xerrors.Wrap(xerrors.ErrInvalidInput, "bus: connector is nil")
	ErrSubjectEmpty  = xerrors.Wrap(xerrors.ErrInvalidInput, "bus: subject is empty")

	// ErrPublish 底层驱动发布失败
	ErrPublish = xerrors.Wrap(xerrors.ErrUnavailable, "bus: publish failed")
	ErrClosed  = xerrors.Wrap(xerrors.ErrUnavailable, "bus: closed")
)
