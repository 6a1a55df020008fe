package source

import "time"

// apiAccount is the platform's account payload.
type apiAccount struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Name   string `json:"display_name"`
}

// apiMention is the platform's mention payload. IDs are opaque strings the
// platform orders lexicographically.
type apiMention struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    apiAuthor `json:"account"`
	CreatedAt time.Time `json:"created_at"`
}

type apiAuthor struct {
	Handle string `json:"handle"`
}

// apiStatus is the payload returned after posting a reply.
type apiStatus struct {
	ID string `json:"id"`
}

// apiError is the platform's error envelope.
type apiError struct {
	Error string `json:"error"`
}
