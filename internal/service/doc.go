// Package service — фасад операций над workflows и runs.
//
// Единственная точка входа для CLI, планировщика и любых будущих
// интерфейсов: проверка ролей, валидация спецификаций, трансляция
// ошибок нижних слоёв в безопасные сообщения без деталей хранилища.
//
// Видимость runs ограничена: без права run:read:all чужой run
// неотличим от несуществующего.
package service
