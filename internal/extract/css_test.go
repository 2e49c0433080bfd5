package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/storefleet/storefleet/internal/paginate"
)

const listingHTML = `<!DOCTYPE html>
<html><body>
<div class="grid">
  <article class="card" data-sku="sku-1">
    <h3 class="name">Walnut Desk</h3>
    <span class="price">$249.00</span>
  </article>
  <article class="card" data-sku="sku-2">
    <h3 class="name">Oak Shelf</h3>
    <span class="price">$89.50</span>
  </article>
  <article class="card">
    <h3 class="name">No SKU promo tile</h3>
  </article>
</div>
</body></html>`

func TestCSSExtractorReadsKeyFromAttribute(t *testing.T) {
	t.Parallel()

	ex, err := NewCSS(Rules{
		Item:    "article.card",
		KeyAttr: "data-sku",
		Fields: map[string]string{
			"name":  "h3.name",
			"price": "span.price",
		},
	})
	require.NoError(t, err)

	records, err := ex.Extract(context.Background(), paginate.PageView{HTML: listingHTML, Page: 1})
	require.NoError(t, err)
	require.Len(t, records, 2, "keyless promo tile is skipped")

	require.Equal(t, "sku-1", records[0].Key)
	require.JSONEq(t, `{"key":"sku-1","name":"Walnut Desk","price":"$249.00"}`, string(records[0].Payload))
	require.Equal(t, "sku-2", records[1].Key)
}

func TestCSSExtractorReadsKeyFromText(t *testing.T) {
	t.Parallel()

	ex, err := NewCSS(Rules{Item: "article.card", Key: "h3.name"})
	require.NoError(t, err)

	records, err := ex.Extract(context.Background(), paginate.PageView{HTML: listingHTML})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "Walnut Desk", records[0].Key)
}

func TestCSSExtractorEmptyPage(t *testing.T) {
	t.Parallel()

	ex, err := NewCSS(Rules{Item: "article.card", KeyAttr: "data-sku"})
	require.NoError(t, err)

	records, err := ex.Extract(context.Background(), paginate.PageView{HTML: "<html><body></body></html>"})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestNewCSSValidation(t *testing.T) {
	t.Parallel()

	_, err := NewCSS(Rules{Key: "h3"})
	require.Error(t, err)

	_, err = NewCSS(Rules{Item: "article"})
	require.Error(t, err)
}
