package services

import (
	"context"
	"testing"

	"inspora/internal/models"
)

func TestNotificationService_NotifyPersists(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewNotificationService(db, nil, nil)

	n := &models.Notification{
		Title:       "task done",
		Message:     "the task was completed",
		RecipientID: 5,
	}
	if err := svc.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !n.IsSent || n.SentAt == nil {
		t.Fatal("sent notification must be stamped")
	}

	var got models.Notification
	if err := db.First(&got, n.ID).Error; err != nil {
		t.Fatalf("notification not persisted: %v", err)
	}
	if got.RecipientID != 5 || got.Message != "the task was completed" {
		t.Fatalf("unexpected notification: %+v", got)
	}

	if err := svc.Notify(context.Background(), nil); err == nil {
		t.Fatal("nil notification must be rejected")
	}
}

func TestNotificationService_ListForUser(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewNotificationService(db, nil, nil)

	for _, n := range []*models.Notification{
		{Title: "a", Message: "m", RecipientID: 1},
		{Title: "b", Message: "m", RecipientID: 1},
		{Title: "other user", Message: "m", RecipientID: 2},
	} {
		if err := svc.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}

	all, err := svc.ListForUser(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(all))
	}

	// 标记已读后未读过滤生效
	if err := svc.MarkRead(context.Background(), all[0].ID, 1); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	unread, err := svc.ListForUser(context.Background(), 1, true)
	if err != nil {
		t.Fatalf("ListForUser unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected 1 unread notification, got %d", len(unread))
	}
}

func TestNotificationService_MarkRead(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewNotificationService(db, nil, nil)

	n := &models.Notification{Title: "t", Message: "m", RecipientID: 3}
	if err := svc.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if err := svc.MarkRead(context.Background(), n.ID, 3); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	var got models.Notification
	db.First(&got, n.ID)
	if !got.IsRead || got.ReadAt == nil {
		t.Fatalf("notification not marked read: %+v", got)
	}

	// 重复置已读为幂等
	if err := svc.MarkRead(context.Background(), n.ID, 3); err != nil {
		t.Fatalf("MarkRead twice: %v", err)
	}

	// 不能读别人的通知
	if err := svc.MarkRead(context.Background(), n.ID, 99); err == nil {
		t.Fatal("foreign notification must not be markable")
	}
}
