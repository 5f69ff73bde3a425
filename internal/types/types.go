package types

// Identity is the user a session claims at join time. It is trusted as-is;
// verification happens upstream.
type Identity struct {
	UserId string `json:"user_id"`
	Email  string `json:"email"`
}

type Message struct {
	Id         string `json:"id"`
	SenderId   string `json:"sender_id"`
	Sender     string `json:"sender"`
	Room       string `json:"room"`
	Content    string `json:"content"`
	ClientSent int64  `json:"client_sent"`
	Sent       int64  `json:"sent"`
	Removed    bool   `json:"removed"`
}

type Stats struct {
	People []string `json:"people"`
}
