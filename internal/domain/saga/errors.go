package saga

import apperrors "github.com/xiebiao/fulfillment/pkg/errors"

var ErrInvalidTransition = apperrors.New(apperrors.CategoryProtocol, "SAGA_BAD_TRANSITION", "saga state does not permit this transition")
