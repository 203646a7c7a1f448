package services

import "inspora/internal/models"

// ShouldFire decides whether a trigger fires for the given event context.
// Inactive triggers never fire. on_delete, on_webhook and manual triggers
// only fire through their explicit runner entry points, never from a
// generic state-change event; on_schedule belongs to the scheduler
// collaborator which calls in with a synthetic event.
func ShouldFire(trigger *models.AutomationTrigger, context Event) bool {
	if !trigger.IsActive {
		return false
	}

	switch trigger.TriggerType {
	case models.TriggerOnCreate:
		return context.Action() == EventActionCreate
	case models.TriggerOnUpdate:
		return context.Action() == EventActionUpdate
	case models.TriggerOnStatusChange:
		return statusChanged(context)
	case models.TriggerOnFieldChange:
		return fieldChanged(trigger, context)
	}

	return false
}

func statusChanged(context Event) bool {
	oldStatus, hasOld := context["old_status"]
	newStatus, hasNew := context["new_status"]
	if !hasOld || !hasNew {
		return false
	}
	return stringify(oldStatus) != stringify(newStatus)
}

func fieldChanged(trigger *models.AutomationTrigger, context Event) bool {
	if trigger.FieldName == "" {
		return false
	}
	for _, field := range context.FieldChanges() {
		if field == trigger.FieldName {
			return true
		}
	}
	return false
}
