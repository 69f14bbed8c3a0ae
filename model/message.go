package model

import "time"

// Message is the summary of a single mail item as listed by the provider.
type Message struct {
	ID          string
	Subject     string
	ReceivedAt  time.Time
	From        Sender
	IsRead      bool
	BodyPreview string
	Body        string
}

// Sender is the display name and address of the message originator.
type Sender struct {
	Name    string
	Address string
}

func (s Sender) String() string {
	switch {
	case s.Name != "" && s.Address != "":
		return s.Name + " <" + s.Address + ">"
	case s.Address != "":
		return s.Address
	default:
		return s.Name
	}
}

// User is the profile of the signed-in account.
type User struct {
	DisplayName       string
	Mail              string
	UserPrincipalName string
}

// Folder describes a mail folder and its size.
type Folder struct {
	ID             string
	DisplayName    string
	TotalItemCount int
	UnreadCount    int
}
