package order

import apperrors "github.com/xiebiao/fulfillment/pkg/errors"

var (
	ErrInvalidStatusTransition = apperrors.New(apperrors.CategoryProtocol, "ORDER_BAD_TRANSITION", "order status does not permit this transition")
	ErrInvalidOrderID          = apperrors.New(apperrors.CategoryPeerTerminal, "ORDER_MISSING_ID", "order id is required")
	ErrInvalidOrderItems       = apperrors.New(apperrors.CategoryPeerTerminal, "ORDER_EMPTY_ITEMS", "order must contain at least one item with a product and seller")
	ErrInvalidQuantity         = apperrors.New(apperrors.CategoryPeerTerminal, "ORDER_BAD_QUANTITY", "item quantity must be positive")
)
