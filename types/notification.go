package types

// ChangeNotification is one committed write observed on the primary store's
// change feed, normalized for capture. Marker is the opaque resume position
// of the notification; persisting it and resuming from it will not replay
// this notification.
type ChangeNotification struct {
	// Operation is the store's raw operation type (insert, update, replace, delete)
	Operation string

	// Document is the post-image; nil when the store could not supply one
	Document *Record

	// Key is the record's natural key, available even without a post-image
	Key string

	// Marker is the opaque resume token for this feed position
	Marker []byte
}
