package inactivity

import (
	"wisefido-kiosk/internal/measurement"
)

// Watch 跟随测量会话：会话处于等待前置条件/采集中时挂起空闲计时。
// 返回的函数取消跟随并解除该会话造成的挂起（页面卸载时调用）。
func (g *Guard) Watch(s *measurement.Session) func() {
	reason := "session:" + s.ID()

	unsubscribe := s.Subscribe(func(ev measurement.Event) {
		if ev.Type == measurement.EventStateChanged {
			g.setReason(reason, ev.To.Polling())
		}
	})
	g.setReason(reason, s.State().Polling())

	return func() {
		unsubscribe()
		g.setReason(reason, false)
	}
}
