package journal

import "errors"

// ErrTooManyOps is returned by Stage when a transaction has more entries
// than MaxOps.
var ErrTooManyOps = errors.New("journal: too many operations in transaction")

// ErrBufferOverflow is returned by Stage when a transaction's combined
// payload exceeds MaxData.
var ErrBufferOverflow = errors.New("journal: transaction payload exceeds buffer capacity")
