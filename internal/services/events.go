package services

// Event is the context mapping delivered by an event source. It carries at
// least "action" (create/update/delete/...), plus old_status/new_status or
// field_changes depending on the trigger type, and arbitrary domain payload
// read by rule conditions and action handlers.
type Event map[string]interface{}

// 事件动作取值
const (
	EventActionCreate   = "create"
	EventActionUpdate   = "update"
	EventActionDelete   = "delete"
	EventActionSchedule = "schedule"
	EventActionWebhook  = "webhook"
	EventActionManual   = "manual"
)

// Action 返回事件的 action 字段，缺失时为空串
func (e Event) Action() string {
	v, _ := e["action"].(string)
	return v
}

// GetString 读取字符串字段
func (e Event) GetString(key string) (string, bool) {
	v, ok := e[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FieldChanges 返回 field_changes 列表（变更字段名集合）
func (e Event) FieldChanges() []string {
	raw, ok := e["field_changes"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
