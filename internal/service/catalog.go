package service

import (
	"context"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
)

// StaticProductCatalog каталог продаваемых товаров, заполняемый из
// конфигурации. Один аккаунт провайдера может обслуживать несколько
// приложений, поэтому события о чужих товарах надо уметь отличать.
// После создания каталог не меняется.
type StaticProductCatalog struct {
	products map[string]struct{}
}

// NewStaticProductCatalog создает каталог из списков ID товаров по провайдерам
func NewStaticProductCatalog(productIDs map[domain.Provider][]string) *StaticProductCatalog {
	products := make(map[string]struct{})
	for provider, ids := range productIDs {
		for _, id := range ids {
			products[catalogKey(provider, id)] = struct{}{}
		}
	}
	return &StaticProductCatalog{products: products}
}

func catalogKey(provider domain.Provider, productID string) string {
	return string(provider) + ":" + productID
}

// IsKnownProduct сообщает, продаем ли мы товар с таким ID у провайдера
func (c *StaticProductCatalog) IsKnownProduct(ctx context.Context, provider domain.Provider, productID string) bool {
	if productID == "" {
		return false
	}
	_, known := c.products[catalogKey(provider, productID)]
	return known
}
