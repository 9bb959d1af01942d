package auth

// Action identifies one of the operations a Permission can grant.
type Action int

const (
	ActionPull Action = iota
	ActionPush
	ActionDeletePath
	ActionCreateCache
	ActionDestroyCache
	ActionConfigureCache
	ActionConfigureCacheRetention
)

func (a Action) grantedBy(p Permission) bool {
	switch a {
	case ActionPull:
		return p.Pull
	case ActionPush:
		return p.Push
	case ActionDeletePath:
		return p.DeletePath
	case ActionCreateCache:
		return p.CreateCache
	case ActionDestroyCache:
		return p.DestroyCache
	case ActionConfigureCache:
		return p.ConfigureCache
	case ActionConfigureCacheRetention:
		return p.ConfigureCacheRetention
	default:
		return false
	}
}
