package models

type Tag struct {
	TagID int64  `json:"tag_id"`
	Name  string `json:"name"`
}
