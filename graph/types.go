package graph

import (
	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/dhcgn/mail-backup/model"
)

func toMessage(m models.Messageable) model.Message {
	if m == nil {
		return model.Message{}
	}
	msg := model.Message{
		ID:          deref(m.GetId()),
		Subject:     deref(m.GetSubject()),
		IsRead:      deref(m.GetIsRead()),
		BodyPreview: deref(m.GetBodyPreview()),
		ReceivedAt:  deref(m.GetReceivedDateTime()),
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			msg.From = model.Sender{Name: deref(addr.GetName()), Address: deref(addr.GetAddress())}
		}
	}

	unique, body := m.GetUniqueBody(), m.GetBody()
	switch {
	case unique != nil && deref(unique.GetContent()) != "":
		msg.Body = deref(unique.GetContent())
	case body != nil:
		msg.Body = deref(body.GetContent())
	}
	return msg
}
