package models

import "fmt"

// Proxy задаёт SOCKS5-прокси, через который движок выходит в сеть мессенджера.
// Один прокси на процесс: все сессии делят общий ресурс автоматизации.
type Proxy struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Addr возвращает адрес в формате host:port.
func (p Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}
