package models

import "errors"

var (
	// ErrNotTradeReport — текст не является торговым отчётом, его нужно отдать дальше по цепочке.
	ErrNotTradeReport = errors.New("not a trade report")
	// ErrParse — похоже на отчёт, но поля битые.
	ErrParse = errors.New("malformed trade report")

	ErrDuplicateReference    = errors.New("reference already processed")
	ErrNoOpenPosition        = errors.New("no open position for instrument")
	ErrInvalidPrice          = errors.New("invalid price")
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrParticipantIneligible = errors.New("participant is not eligible")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrPositionNotFound      = errors.New("position not found")

	// ErrStoreUnavailable — хранилище недоступно или деградировало, операция отброшена.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrPartialDistribution  = errors.New("partial distribution failure")
	ErrDistributionInFlight = errors.New("distribution already in flight")
	ErrQueueFull            = errors.New("task queue is full")
)

var domainErrors = []error{
	ErrDuplicateReference,
	ErrNoOpenPosition,
	ErrInvalidPrice,
	ErrParticipantNotFound,
	ErrParticipantIneligible,
	ErrInsufficientBalance,
	ErrPositionNotFound,
}

// IsDomain reports whether err is a business result of a store call rather than
// a failure of the store itself. Such errors are never retried.
func IsDomain(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
