package nav

import "errors"

var (
	ErrIncompleteFiducials = errors.New("fiducial set incomplete: need 3 image and 3 tracker points")
	ErrCollinearFiducials  = errors.New("fiducials are collinear")
	ErrMarkerNotVisible    = errors.New("marker not visible")
	ErrNoRegistration      = errors.New("no registration available")
	ErrTrackerNotConnected = errors.New("tracker not connected")
	ErrQueueClosed         = errors.New("queue closed")
	ErrSingularMatrix      = errors.New("matrix is singular")
	ErrFRETooHigh          = errors.New("fiducial registration error above limit")
	ErrNotEnoughPoints     = errors.New("not enough points")
	ErrRegistrationChanged = errors.New("registration changed while refining")
)
