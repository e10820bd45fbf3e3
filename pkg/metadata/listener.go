package metadata

// Action describes what happened to an entity.
type Action int

const (
	// Created is raised for new entities
	Created Action = iota

	// Updated is raised when persisted attributes changed
	Updated

	// Deleted is raised after the entity left the index
	Deleted

	// Loaded is raised for every entity attached at boot
	Loaded

	// Moved is raised when a container or file changed parent
	Moved

	// SizeChanged is raised when a file size changed
	SizeChanged

	// LocationAdded is raised when a file gained a replica location
	LocationAdded

	// LocationUnlinked is raised when a replica location was unlinked
	LocationUnlinked

	// LocationRemoved is raised when an unlinked location was dropped
	LocationRemoved
)

func (a Action) String() string {
	switch a {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Loaded:
		return "loaded"
	case Moved:
		return "moved"
	case SizeChanged:
		return "size_changed"
	case LocationAdded:
		return "location_added"
	case LocationUnlinked:
		return "location_unlinked"
	case LocationRemoved:
		return "location_removed"
	default:
		return "unknown"
	}
}

// ContainerListener observes container changes. Listeners are invoked
// synchronously while the tree lock is held and must not call back into
// the namespace.
type ContainerListener interface {
	ContainerChanged(node *ContainerNode, action Action)
}

// FileEvent describes a file change.
type FileEvent struct {
	Action Action

	// File is the current state (the removed state for Deleted)
	File *FileNode

	// Previous is the state before an update, nil otherwise
	Previous *FileNode

	// Location is set for the location events
	Location Location

	// SizeDelta is set for SizeChanged
	SizeDelta int64
}

// FileListener observes file changes, under the same rules as
// ContainerListener.
type FileListener interface {
	FileChanged(event FileEvent)
}

// QuotaSink receives quota accounting keyed by quota-node id.
type QuotaSink interface {
	AddFile(quotaNode ID, file *FileNode)
	RemoveFile(quotaNode ID, file *FileNode)
}
