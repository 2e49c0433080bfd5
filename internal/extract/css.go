// Package extract turns rendered listing pages into records using CSS
// selector rules configured per store.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/storefleet/storefleet/internal/paginate"
)

// Rules describes how to locate records on a listing page. Key and Fields
// selectors are evaluated relative to each item.
type Rules struct {
	// Item selects one listing card.
	Item string `mapstructure:"item" yaml:"item"`
	// Key selects the element carrying the record key.
	Key string `mapstructure:"key" yaml:"key"`
	// KeyAttr names the attribute holding the key; empty means element text.
	KeyAttr string `mapstructure:"key_attr" yaml:"key_attr"`
	// Fields maps payload field names to selectors, read as trimmed text.
	Fields map[string]string `mapstructure:"fields" yaml:"fields"`
}

// CSSExtractor implements record extraction over static selector rules.
type CSSExtractor struct {
	rules Rules
}

// NewCSS validates the rules and builds an extractor.
func NewCSS(rules Rules) (*CSSExtractor, error) {
	if strings.TrimSpace(rules.Item) == "" {
		return nil, fmt.Errorf("item selector is required")
	}
	if strings.TrimSpace(rules.Key) == "" && rules.KeyAttr == "" {
		return nil, fmt.Errorf("key selector or key attribute is required")
	}
	return &CSSExtractor{rules: rules}, nil
}

// Extract implements paginate.Extractor. Items without a key are skipped;
// a page whose HTML will not parse is an extraction failure.
func (e *CSSExtractor) Extract(_ context.Context, view paginate.PageView) ([]paginate.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(view.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse page %d of %s: %w", view.Page, view.URL, err)
	}

	var records []paginate.Record
	doc.Find(e.rules.Item).Each(func(_ int, item *goquery.Selection) {
		key := e.itemKey(item)
		if key == "" {
			return
		}
		payload := map[string]string{"key": key}
		for field, selector := range e.rules.Fields {
			if value := strings.TrimSpace(item.Find(selector).First().Text()); value != "" {
				payload[field] = value
			}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		records = append(records, paginate.Record{Key: key, Payload: raw})
	})
	return records, nil
}

func (e *CSSExtractor) itemKey(item *goquery.Selection) string {
	target := item
	if strings.TrimSpace(e.rules.Key) != "" {
		target = item.Find(e.rules.Key).First()
	}
	if e.rules.KeyAttr != "" {
		return strings.TrimSpace(target.AttrOr(e.rules.KeyAttr, ""))
	}
	return strings.TrimSpace(target.Text())
}
