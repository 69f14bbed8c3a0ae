package export

// DefaultFolderSize is the number of messages placed in one output folder.
const DefaultFolderSize = 100

// Cursor tracks which numbered folder the next message goes into.
type Cursor struct {
	Folder int
	Count  int

	size int
}

// NewCursor starts at folder 1 with nothing placed yet.
func NewCursor(size int) *Cursor {
	if size <= 0 {
		size = DefaultFolderSize
	}
	return &Cursor{Folder: 1, size: size}
}

// Next returns the folder for the message about to be placed, moving on to a
// fresh folder once the current one is full.
func (c *Cursor) Next() int {
	if c.Count >= c.size {
		c.Count = 0
		c.Folder++
	}
	return c.Folder
}

// Commit records that a message took a slot in the current folder.
func (c *Cursor) Commit() {
	c.Count++
}

// Folders is the number of folders that received at least one slot.
func (c *Cursor) Folders() int {
	if c.Folder == 1 && c.Count == 0 {
		return 0
	}
	return c.Folder
}
