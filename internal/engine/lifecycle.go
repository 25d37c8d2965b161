package engine

// registrar is implemented by every reference-counted entity. register runs
// on the first retain and unregister on the last release.
type registrar interface {
	register()
	unregister()
}

// lifecycle is the reference count shared by objects, queries, clients,
// snapshots and changes.
type lifecycle struct {
	refcount     int
	onUnregister func()
	owner        registrar
}

func (l *lifecycle) retain() {
	if l.refcount == 0 {
		l.owner.register()
	}
	l.refcount++
}

func (l *lifecycle) release() {
	if l.refcount <= 0 {
		panic(serverErrorf("%T released with refcount %d", l.owner, l.refcount))
	}
	l.refcount--
	if l.refcount > 0 {
		return
	}
	if fn := l.onUnregister; fn != nil {
		l.onUnregister = nil
		fn()
	}
	l.owner.unregister()
}

// Refcount returns the current number of retains.
func (l *lifecycle) Refcount() int {
	return l.refcount
}
