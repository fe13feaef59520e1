package service

import (
	"net/url"
	"strings"

	"github.com/smallbiznis/trustscan/internal/inference/domain"
)

// dataSources builds search links where the public discussion can be read.
func dataSources(d domain.Descriptor) []domain.DataSource {
	reviewQuery := url.QueryEscape(strings.Join(strings.Fields(d.ProductName+" "+d.Brand+" review"), " "))
	redditQuery := url.QueryEscape(strings.ToLower(strings.Join(strings.Fields(d.ProductName), " ")))

	return []domain.DataSource{
		{Platform: "Reddit", URL: "https://www.reddit.com/search/?q=" + redditQuery + "&type=link"},
		{Platform: "YouTube", URL: "https://www.youtube.com/results?search_query=" + reviewQuery},
		{Platform: "Google", URL: "https://www.google.com/search?q=" + reviewQuery},
	}
}
