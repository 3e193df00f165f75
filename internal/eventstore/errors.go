package eventstore

import (
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

var (
	// ErrDatabaseOpenFailed indicates the SQLite database could not be opened.
	ErrDatabaseOpenFailed = errors.EventStoreError("could not open event store database").Build()

	// ErrInitializeSchemaFailed indicates the database schema could not be initialized.
	ErrInitializeSchemaFailed = errors.EventStoreError("failed to initialize event store schema").Build()

	// ErrEventAppendFailed indicates appending an event failed.
	ErrEventAppendFailed = errors.EventStoreError("failed to append event to store").Build()

	// ErrEventQueryFailed indicates querying events failed.
	ErrEventQueryFailed = errors.EventStoreError("failed to query events from store").Build()

	// ErrEventDeleteFailed indicates removing events failed.
	ErrEventDeleteFailed = errors.EventStoreError("failed to delete events from store").Build()

	// ErrPublishFailed indicates an event could not be published to NATS.
	ErrPublishFailed = errors.EventStoreError("failed to publish event").Retryable().Build()
)

func wrap(sentinel, cause error) error {
	return errors.WrapError(cause, errors.CategoryEventStore, sentinel.Error()).Build()
}
