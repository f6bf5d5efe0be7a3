package model

import (
	"testing"
	"time"
)

func TestNewUpload_DerivedIDIsStable(t *testing.T) {
	init := FileInit{
		Size:     10,
		UserID:   "user-1",
		Metadata: map[string]any{"name": "a.bin", LastModifiedKey: float64(1700000000000)},
	}
	now := time.Now()

	a := NewUpload(init, now)
	b := NewUpload(init, now.Add(time.Hour))

	if a.ID != b.ID {
		t.Errorf("одинаковые метаданные должны давать одинаковый ID: %s != %s", a.ID, b.ID)
	}
	if len(a.ID) != 40 {
		t.Errorf("длина ID: ожидалось 40, получено %d", len(a.ID))
	}

	init.UserID = "user-2"
	if c := NewUpload(init, now); c.ID == a.ID {
		t.Error("другой владелец должен давать другой ID")
	}
}

func TestNewUpload_RandomIDWithoutLastModified(t *testing.T) {
	init := FileInit{Size: 10, Metadata: map[string]any{"name": "a.bin"}}
	a := NewUpload(init, time.Now())
	b := NewUpload(init, time.Now())
	if a.ID == b.ID {
		t.Error("без lastModified ID должен быть случайным")
	}
	if len(a.ID) != 32 {
		t.Errorf("длина ID: ожидалось 32, получено %d", len(a.ID))
	}
}

func TestNewUpload_ExtractsFields(t *testing.T) {
	u := NewUpload(FileInit{
		Size:     -1,
		Metadata: map[string]any{"filename": "video.mp4", "mimeType": "video/mp4", "size": "42"},
	}, time.Now())

	if u.OriginalName != "video.mp4" {
		t.Errorf("OriginalName: получено %q", u.OriginalName)
	}
	if u.ContentType != "video/mp4" {
		t.Errorf("ContentType: получено %q", u.ContentType)
	}
	if u.Size != 42 || u.SizeIsDeferred {
		t.Errorf("Size: ожидалось 42, получено %d (deferred=%v)", u.Size, u.SizeIsDeferred)
	}
}

func TestNewUpload_DeferredSize(t *testing.T) {
	u := NewUpload(FileInit{Size: -1}, time.Now())
	if !u.SizeIsDeferred || u.Size != 0 {
		t.Errorf("ожидался неизвестный размер, получено size=%d deferred=%v", u.Size, u.SizeIsDeferred)
	}
	if u.ContentType != "application/octet-stream" {
		t.Errorf("ContentType по умолчанию: получено %q", u.ContentType)
	}
	if u.IsCompleted() {
		t.Error("загрузка неизвестного размера не может быть завершена")
	}

	u.SetSize(0)
	if !u.IsCompleted() {
		t.Error("после фиксации нулевого размера загрузка завершена")
	}
}

func TestMergeMetadata(t *testing.T) {
	u := NewUpload(FileInit{Size: 1, Metadata: map[string]any{"name": "old.txt", "tag": "x"}}, time.Now())

	renamed := u.MergeMetadata(map[string]any{"name": "new.txt", "tag": nil, "extra": "y"})
	if !renamed {
		t.Error("смена имени должна быть обнаружена")
	}
	if u.OriginalName != "new.txt" {
		t.Errorf("OriginalName: получено %q", u.OriginalName)
	}
	if _, ok := u.Metadata["tag"]; ok {
		t.Error("ключ со значением nil должен удаляться")
	}
	if u.Metadata["extra"] != "y" {
		t.Error("новый ключ должен добавляться")
	}

	if u.MergeMetadata(map[string]any{"extra": "z"}) {
		t.Error("изменение без имени не является переименованием")
	}
}

func TestClone_Independent(t *testing.T) {
	exp := time.Now()
	u := &Upload{
		ID:        "a",
		Metadata:  map[string]any{"k": "v"},
		Parts:     []Part{{Number: 1, Size: 5}},
		ExpiredAt: &exp,
	}
	u.SetStatus(StatusPart)

	c := u.Clone()
	c.Metadata["k"] = "changed"
	c.Parts[0].Size = 99
	*c.ExpiredAt = exp.Add(time.Hour)

	if u.Metadata["k"] != "v" || u.Parts[0].Size != 5 || !u.ExpiredAt.Equal(exp) {
		t.Error("копия не должна разделять данные с оригиналом")
	}
	if c.Status != "" || c.Transitioned() {
		t.Error("копия не должна сохранять статус операции")
	}
}

func TestSameContent_IgnoresVolatileFields(t *testing.T) {
	now := time.Now()
	a := &Upload{ID: "a", Name: "a", Size: 10, CreatedAt: now, ModifiedAt: now}
	b := a.Clone()
	b.BytesWritten = 5
	b.ModifiedAt = now.Add(time.Minute)
	exp := now.Add(time.Hour)
	b.ExpiredAt = &exp
	b.SetStatus(StatusPart)

	if !a.SameContent(b) {
		t.Error("изменчивые поля не должны влиять на сравнение")
	}

	b.Metadata = map[string]any{"x": "y"}
	if a.SameContent(b) {
		t.Error("изменение метаданных должно обнаруживаться")
	}
	if a.SameContent(nil) {
		t.Error("сравнение с nil должно давать false")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	u := &Upload{}
	if u.IsExpired(now) {
		t.Error("без ExpiredAt загрузка не истекает")
	}
	past := now.Add(-time.Second)
	u.ExpiredAt = &past
	if !u.IsExpired(now) {
		t.Error("загрузка с прошедшим ExpiredAt должна быть истёкшей")
	}
}

func TestExtractSize_Types(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want int64
		ok   bool
	}{
		{"float64", map[string]any{"size": float64(7)}, 7, true},
		{"int", map[string]any{"size": 8}, 8, true},
		{"int64", map[string]any{"fileSize": int64(9)}, 9, true},
		{"строка", map[string]any{"size": "10"}, 10, true},
		{"отрицательный", map[string]any{"size": float64(-1)}, 0, false},
		{"мусор", map[string]any{"size": "abc"}, 0, false},
		{"нет ключа", map[string]any{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractSize(tt.meta)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ExtractSize: ожидалось (%d, %v), получено (%d, %v)", tt.want, tt.ok, got, ok)
			}
		})
	}
}
