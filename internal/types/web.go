package types

// SearchResult is one hit from a web-search adapter.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Link is an anchor extracted from a fetched page.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// FetchResult is the output of the URL-fetch adapter.
type FetchResult struct {
	URL     string `json:"url"`
	Content string `json:"content"`
	Title   string `json:"title"`
	Links   []Link `json:"links"`
	Status  int    `json:"status"`
}
