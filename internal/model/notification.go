package model

// NotificationMessage is a single push addressed to one device token.
type NotificationMessage struct {
	Token string
	Title string
	Body  string
}

// Envelope is the request body of the FCM v1 messages:send endpoint.
type Envelope struct {
	Message EnvelopeMessage `json:"message"`
}

type EnvelopeMessage struct {
	Token        string       `json:"token"`
	Notification Notification `json:"notification"`
}

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func NewEnvelope(m NotificationMessage) Envelope {
	return Envelope{
		Message: EnvelopeMessage{
			Token: m.Token,
			Notification: Notification{
				Title: m.Title,
				Body:  m.Body,
			},
		},
	}
}

// Template renders the reminder for a mission.
type Template struct {
	TitlePrefix string
	Body        string
}

func (t Template) Reminder(token string, m Mission) NotificationMessage {
	return NotificationMessage{
		Token: token,
		Title: t.TitlePrefix + m.Title,
		Body:  t.Body,
	}
}
