package amqptest

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/amqp/management"
)

// FailManagementRequests makes the next management API requests fail with statuses, in
// order, before requests are served normally again.
func (broker *FakeBroker) FailManagementRequests(statuses ...int) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.managementFailures = append(broker.managementFailures, statuses...)
}

// ManagementRequests returns how many management API requests were received, failed
// ones included.
func (broker *FakeBroker) ManagementRequests() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return broker.managementRequests
}

// ManagementHandler returns an http.Handler serving the queue and binding endpoints of
// the RabbitMQ management API from the broker's state. Serve it with httptest and point
// a management.Client at it.
func (broker *FakeBroker) ManagementHandler() http.Handler {
	router := chi.NewRouter()
	router.Use(broker.injectManagementFailures)
	router.Get("/api/queues/{vhost}/{queue}", broker.serveQueue)
	router.Get("/api/queues/{vhost}/{queue}/bindings", broker.serveBindings)
	return router
}

func (broker *FakeBroker) injectManagementFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		broker.lock.Lock()
		broker.managementRequests++
		status := 0
		if len(broker.managementFailures) > 0 {
			status = broker.managementFailures[0]
			broker.managementFailures = broker.managementFailures[1:]
		}
		broker.lock.Unlock()

		if status != 0 {
			writer.WriteHeader(status)
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func routeParams(request *http.Request) (vhost string, queue string, ok bool) {
	vhost, err := url.PathUnescape(chi.URLParam(request, "vhost"))
	if err != nil {
		return "", "", false
	}
	queue, err = url.PathUnescape(chi.URLParam(request, "queue"))
	if err != nil {
		return "", "", false
	}
	return vhost, queue, true
}

func writeJSON(writer http.ResponseWriter, value interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(value)
}

// jsonArguments converts queue arguments the way they come back from the management
// API, where every number is a JSON number.
func jsonArguments(args amqp.Table) map[string]interface{} {
	converted := make(map[string]interface{}, len(args))
	for key, value := range args {
		converted[key] = value
	}
	return converted
}

func (broker *FakeBroker) serveQueue(writer http.ResponseWriter, request *http.Request) {
	vhost, name, ok := routeParams(request)
	if !ok {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	broker.lock.Lock()
	queue, found := broker.queues[name]
	var info management.QueueInfo
	if found {
		info = management.QueueInfo{
			Name:        queue.name,
			VirtualHost: vhost,
			Durable:     queue.durable,
			AutoDelete:  queue.autoDelete,
			Exclusive:   queue.exclusive,
			Arguments:   jsonArguments(queue.args),
			Messages:    len(queue.messages),
			Consumers:   len(queue.consumers),
		}
	}
	broker.lock.Unlock()

	if !found {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(writer, info)
}

func (broker *FakeBroker) serveBindings(writer http.ResponseWriter, request *http.Request) {
	vhost, name, ok := routeParams(request)
	if !ok {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	broker.lock.Lock()
	queue, found := broker.queues[name]
	var infos []management.BindingInfo
	if found {
		// Every queue is bound to the default exchange with its own name.
		infos = append(infos, management.BindingInfo{
			Source:          "",
			VirtualHost:     vhost,
			Destination:     name,
			DestinationType: "queue",
			RoutingKey:      name,
			PropertiesKey:   name,
		})
		for binding := range queue.bindings {
			infos = append(infos, management.BindingInfo{
				Source:          binding.Exchange,
				VirtualHost:     vhost,
				Destination:     name,
				DestinationType: "queue",
				RoutingKey:      binding.RoutingKey,
				PropertiesKey:   binding.RoutingKey,
			})
		}
	}
	broker.lock.Unlock()

	if !found {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(writer, infos)
}
