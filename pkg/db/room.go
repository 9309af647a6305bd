package db

// Room identifies a collaboration channel. Two rooms with the same Type and ID are
// interchangeable; the reactor multiplexes on identity, not on the value's address.
type Room struct {
	Type string
	ID   string
}

// Same reports whether r and other name the same channel.
func (r Room) Same(other Room) bool {
	return r.Type == other.Type && r.ID == other.ID
}

func (r Room) String() string {
	return r.Type + "/" + r.ID
}
