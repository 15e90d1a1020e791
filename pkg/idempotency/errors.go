package idempotency

import apperrors "github.com/xiebiao/fulfillment/pkg/errors"

var ErrStoreFull = apperrors.New(apperrors.CategoryResource, "IDEMPOTENCY_STORE_FULL", "idempotency store is at capacity")
