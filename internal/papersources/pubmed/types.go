// Package pubmed searches the NCBI PubMed E-utilities API for candidate studies.
//
// A search is two calls: esearch.fcgi returns the PMIDs matching a query and
// efetch.fcgi returns the records of those PMIDs. Only the fields a review
// stores are decoded.
//
// API documentation: https://www.ncbi.nlm.nih.gov/books/NBK25499/
package pubmed

import (
	"encoding/xml"
	"html"
	"regexp"
	"strings"
)

// ESearchResult is the esearch.fcgi response.
type ESearchResult struct {
	XMLName   xml.Name   `xml:"eSearchResult"`
	Count     int        `xml:"Count"`
	RetMax    int        `xml:"RetMax"`
	RetStart  int        `xml:"RetStart"`
	IDList    IDList     `xml:"IdList"`
	ErrorList *ErrorList `xml:"ErrorList,omitempty"`
	// ERROR is set instead of the other fields when the query is rejected.
	Error string `xml:"ERROR,omitempty"`
}

// IDList holds the PMIDs of a search page.
type IDList struct {
	IDs []string `xml:"Id"`
}

// ErrorList reports query terms PubMed could not use.
type ErrorList struct {
	PhraseNotFound []string `xml:"PhraseNotFound,omitempty"`
	FieldNotFound  []string `xml:"FieldNotFound,omitempty"`
}

// PubmedArticleSet is the efetch.fcgi response.
type PubmedArticleSet struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []PubmedArticle `xml:"PubmedArticle"`
}

// PubmedArticle is one record.
type PubmedArticle struct {
	MedlineCitation MedlineCitation `xml:"MedlineCitation"`
}

// MedlineCitation holds the bibliographic data of a record.
type MedlineCitation struct {
	PMID    string  `xml:"PMID"`
	Article Article `xml:"Article"`
}

// Article holds the article metadata.
type Article struct {
	Journal      Journal     `xml:"Journal"`
	ArticleTitle Text        `xml:"ArticleTitle"`
	Abstract     *Abstract   `xml:"Abstract,omitempty"`
	AuthorList   *AuthorList `xml:"AuthorList,omitempty"`
}

// Journal holds the journal name and issue date.
type Journal struct {
	Title           string       `xml:"Title,omitempty"`
	ISOAbbreviation string       `xml:"ISOAbbreviation,omitempty"`
	JournalIssue    JournalIssue `xml:"JournalIssue"`
}

// JournalIssue holds the issue publication date.
type JournalIssue struct {
	PubDate PubDate `xml:"PubDate"`
}

// PubDate is either Year/Month/Day or a free-form MedlineDate such as "2020 Jan-Feb".
type PubDate struct {
	Year        string `xml:"Year,omitempty"`
	Month       string `xml:"Month,omitempty"`
	Day         string `xml:"Day,omitempty"`
	MedlineDate string `xml:"MedlineDate,omitempty"`
}

// Abstract may be split into labelled sections (BACKGROUND, METHODS, ...).
type Abstract struct {
	AbstractTexts []AbstractText `xml:"AbstractText"`
}

// AbstractText is one abstract section.
type AbstractText struct {
	Label string `xml:"Label,attr,omitempty"`
	Inner string `xml:",innerxml"`
}

// String returns the section text without markup.
func (a AbstractText) String() string {
	return Text{Inner: a.Inner}.String()
}

// AuthorList holds the authors of a record.
type AuthorList struct {
	Authors []Author `xml:"Author"`
}

// Author is a person or, with CollectiveName, a group.
type Author struct {
	ValidYN        string `xml:"ValidYN,attr,omitempty"`
	LastName       string `xml:"LastName,omitempty"`
	ForeName       string `xml:"ForeName,omitempty"`
	Initials       string `xml:"Initials,omitempty"`
	CollectiveName string `xml:"CollectiveName,omitempty"`
}

// Text is element content that may contain inline markup such as <i> or <sup>.
type Text struct {
	Inner string `xml:",innerxml"`
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// String returns the content with markup removed and entities decoded.
func (t Text) String() string {
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(t.Inner, "")))
}
