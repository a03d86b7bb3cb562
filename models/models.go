package models

import "time"

type User struct {
	ID       int64  `json:"-"`
	Mobile   string `json:"mobile"`
	Name     string `json:"name"`
	Password string `json:"-"` // hashed
	Image    *Media `json:"image,omitempty"`
}

// Contact is the per-identity record: the identities it has added and the ids
// of the groups it belongs to. MemberOf never carries group metadata.
type Contact struct {
	Identity string   `json:"mobile"`
	Contacts []string `json:"contacts"`
	MemberOf []string `json:"memberOf"`
}

type Group struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Admin   string    `json:"admin"`
	Members []string  `json:"members"`
	Image   *Media    `json:"image,omitempty"`
	Created time.Time `json:"created"`
}

// Media is an attachment or a profile/group picture.
type Media struct {
	ContentType string `json:"contentType"`
	FileName    string `json:"fileName,omitempty"`
	Data        []byte `json:"data"`
}

type Message struct {
	ID           string    `json:"id"`
	Conversation string    `json:"conversation"`
	Sender       string    `json:"sender"`
	SenderName   string    `json:"senderName,omitempty"`
	Recipient    string    `json:"recipient,omitempty"`
	GroupID      string    `json:"groupId,omitempty"`
	Text         string    `json:"text,omitempty"`
	Attachment   *Media    `json:"attachment,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func Contains(list []string, v string) bool {
	return IndexOf(list, v) >= 0
}

func IndexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}

// Without returns a copy of list with every occurrence of v removed.
func Without(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

// PersonConversation is the canonical history key of two identities. The
// order of the arguments does not matter.
func PersonConversation(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "person:" + a + ":" + b
}

// GroupConversation keys a group's history by its surrogate id, so renaming
// the group never moves it.
func GroupConversation(groupID string) string {
	return "group:" + groupID
}
