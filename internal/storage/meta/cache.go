package meta

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_meta_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных загрузок.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_meta_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных загрузок.",
	})
)

// Cache — LRU-кэш метаданных загрузок с необязательным TTL.
// Хранит копии: изменения возвращённого значения не попадают в кэш.
type Cache struct {
	lru *expirable.LRU[string, *model.Upload]
}

// NewCache создаёт кэш на maxSize записей. ttl <= 0 — без срока жизни.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{lru: expirable.NewLRU[string, *model.Upload](maxSize, nil, ttl)}
}

// Get возвращает копию записи.
func (c *Cache) Get(id string) (*model.Upload, bool) {
	u, ok := c.lru.Get(id)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return u.Clone(), true
}

// Set сохраняет копию записи.
func (c *Cache) Set(id string, u *model.Upload) {
	c.lru.Add(id, u.Clone())
}

// Delete удаляет запись.
func (c *Cache) Delete(id string) {
	c.lru.Remove(id)
}

// Len возвращает количество записей.
func (c *Cache) Len() int {
	return c.lru.Len()
}
