package events

// Publisher 把编排器产生的事件转发给订阅方。
type Publisher interface {
	Publish(ev Event) error
}

// PublisherFunc 允许普通函数作为 Publisher。
type PublisherFunc func(ev Event) error

// Publish 实现 Publisher。
func (f PublisherFunc) Publish(ev Event) error { return f(ev) }
