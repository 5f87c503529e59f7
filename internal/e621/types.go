package e621

import "fmt"

// Post is one item from the posts endpoint. Only the fields the pipeline
// reads are decoded; everything else in the API response is ignored.
type Post struct {
	ID       int64               `json:"id"`
	Tags     map[string][]string `json:"tags"`
	Score    Score               `json:"score"`
	FavCount int                 `json:"fav_count"`
	File     File                `json:"file"`
}

type Score struct {
	Total int `json:"total"`
}

type File struct {
	URL  string `json:"url"`
	Ext  string `json:"ext"`
	Size int64  `json:"size"`
}

// PageURL is the canonical post page, used as the caption deep link.
func (p Post) PageURL() string {
	return fmt.Sprintf("https://e621.net/posts/%d", p.ID)
}

// ArtistTags and CharacterTags return the named tag categories
// (possibly nil; callers substitute sentinels).
func (p Post) ArtistTags() []string    { return p.Tags["artist"] }
func (p Post) CharacterTags() []string { return p.Tags["character"] }
